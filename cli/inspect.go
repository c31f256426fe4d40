package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/soload"
	"github.com/sliverarmory/soload/memmod"
)

var (
	inspectDump    bool
	inspectSymbols bool
)

var inspectCmd = &cobra.Command{
	Use:          "inspect <shared library>",
	Short:        "Print the header, segments and dynamic table of a shared library",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		desc, f, err := memmod.OpenDescriptor(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		segs, err := memmod.ReadSegments(f, desc)
		if err != nil {
			return err
		}
		dyn, err := memmod.ReadDynamic(f, desc, segs)
		if err != nil {
			return err
		}

		if inspectDump {
			cfg := spew.ConfigState{Indent: "  ", DisableMethods: true, DisablePointerAddresses: true, DisableCapacities: true}
			cfg.Fdump(out, desc, segs, dyn)
		} else {
			printDescriptor(out, desc)
			printSegments(out, segs)
			printDynamic(out, dyn)
		}

		if err := desc.Validate(memmod.HostArch()); err != nil {
			fmt.Fprintf(out, "\nnot loadable on this host: %v\n", err)
			return nil
		}
		if inspectSymbols {
			return printSymbols(out, args[0])
		}
		return nil
	},
}

func printDescriptor(out io.Writer, desc *memmod.Descriptor) {
	fmt.Fprintf(out, "Class:    %s\n", desc.Class)
	fmt.Fprintf(out, "Data:     %s\n", desc.Data)
	fmt.Fprintf(out, "Type:     %s\n", desc.Type)
	fmt.Fprintf(out, "Machine:  %s\n", desc.Machine)
	fmt.Fprintf(out, "Entry:    %#x\n", desc.Entry)
	fmt.Fprintf(out, "Segments: %d at %#x (%d bytes each)\n", desc.Phnum, desc.Phoff, desc.Phentsize)
}

func printSegments(out io.Writer, segs []memmod.Segment) {
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tFLAGS\tOFFSET\tVADDR\tFILESZ\tMEMSZ\tALIGN")
	for _, seg := range segs {
		fmt.Fprintf(tw, "%s\t%s\t%#x\t%#x\t%s\t%s\t%#x\n", seg.Type, seg.Flags, seg.Offset, seg.Vaddr,
			humanize.IBytes(seg.Filesz), humanize.IBytes(seg.Memsz), seg.Align)
	}
	tw.Flush()
}

func printDynamic(out io.Writer, dyn []memmod.DynamicEntry) {
	if len(dyn) == 0 {
		fmt.Fprintln(out, "\nno dynamic table")
		return
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TAG\tVALUE")
	for _, ent := range dyn {
		fmt.Fprintf(tw, "%s\t%#x\n", memmod.TagName(ent.Tag), ent.Val)
	}
	tw.Flush()
}

// printSymbols maps the library without running any of its code and lists
// the dynamic symbols and imported names.
func printSymbols(out io.Writer, path string) error {
	library, err := soload.Open(path, soload.WithEntryPointTable(false))
	if err != nil {
		return err
	}
	defer library.Close()

	syms, err := library.DynamicSymbols()
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tVALUE\tSIZE\tBIND\tTYPE")
	for _, sym := range syms {
		fmt.Fprintf(tw, "%s\t%#x\t%d\t%s\t%s\n", sym.Name, uint64(sym.Value), sym.Size, sym.Bind, sym.Type)
	}
	tw.Flush()

	for id, name := range library.Imports() {
		fmt.Fprintf(out, "import %d: %s\n", id, name)
	}
	return nil
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectDump, "dump", false, "Dump the decoded structures instead of tables")
	inspectCmd.Flags().BoolVar(&inspectSymbols, "symbols", false, "Map the library and list its dynamic symbols")
}
