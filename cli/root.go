package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/soload"
	"github.com/sliverarmory/soload/internal/hostsyms"
	"github.com/sliverarmory/soload/internal/native"
	"github.com/sliverarmory/soload/trampoline"
)

var (
	verbose    bool
	debugLevel int
	showMaps   bool
	resultKind string
	noEntry    bool
)

var rootCmd = &cobra.Command{
	Use:          "soload <shared library> <function>...",
	Short:        "Load a shared library without the system loader and call its functions",
	Args:         cobra.MinimumNArgs(2),
	SilenceUsage: true,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if debugLevel < 0 || debugLevel > 5 {
			return fmt.Errorf("--debug must be between 0 and 5, got %d", debugLevel)
		}
		if resultKind != "string" && resultKind != "int" {
			return fmt.Errorf("--result must be string or int, got %q", resultKind)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger(cmd.ErrOrStderr(), debugLevel, verbose)
		trampoline.SetLogger(logger)

		table := lo.Map(hostsyms.Table(), func(e hostsyms.Entry, _ int) soload.Symbol {
			return soload.Symbol{Name: e.Name, Addr: e.Addr}
		})
		library, err := soload.Open(args[0],
			soload.WithLogger(logger),
			soload.WithResolveTable(table),
			soload.WithEntryPointTable(!noEntry),
		)
		if err != nil {
			return err
		}
		defer library.Close()

		out := cmd.OutOrStdout()
		start, size := library.Region()
		fmt.Fprintf(out, "Loaded %s at %#x (%s reserved, base %#x)\n", args[0], start, humanize.IBytes(uint64(size)), library.Base())
		if showMaps {
			if err := printMappings(out, start, size); err != nil {
				return err
			}
		}

		for _, name := range args[1:] {
			if err := callFunction(out, library, name); err != nil {
				return err
			}
		}
		return nil
	},
}

func callFunction(out io.Writer, library *soload.Library, name string) error {
	addr, err := library.Lookup(name)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s() => address: %#x\n", name, addr)
	if !native.Supported {
		fmt.Fprintf(out, "%s() not called: %v\n", name, soload.ErrNativeCallsDisabled)
		return nil
	}

	ret, err := library.CallExport(name)
	if err != nil {
		return err
	}
	if resultKind == "int" || ret == 0 {
		fmt.Fprintf(out, "%s() returned: %d\n", name, ret)
		return nil
	}
	fmt.Fprintf(out, "%s() returned: %q\n", name, native.CString(ret, 4096))
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Print more info")
	rootCmd.PersistentFlags().IntVarP(&debugLevel, "debug", "d", 1, "Set debug level (0-5)")
	rootCmd.Flags().BoolVar(&showMaps, "maps", false, "Print the kernel mappings of the loaded image")
	rootCmd.Flags().StringVar(&resultKind, "result", "string", "How to print return values: string or int")
	rootCmd.Flags().BoolVar(&noEntry, "no-entry", false, "Do not call the entry point to read the exported symbol table")

	rootCmd.AddCommand(inspectCmd, pltCmd)
}
