package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/soload/trampoline"
)

var (
	pltArch   string
	pltOutput string
)

var pltCmd = &cobra.Command{
	Use:   "plt <import>...",
	Short: "Generate import stubs for a library that calls host functions through soload",
	Long: "Writes GNU assembler defining one hidden stub per import, the loader_handle and\n" +
		"isos_trampoline cells, the imported_symbols table and loader_info. Assemble it\n" +
		"into the library; import ids follow argument order.",
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		emitter, err := trampoline.EmitterFor(pltArch)
		if err != nil {
			return err
		}
		if pltOutput == "" || pltOutput == "-" {
			return emitter.EmitPLT(cmd.OutOrStdout(), args)
		}

		f, err := os.Create(pltOutput)
		if err != nil {
			return fmt.Errorf("create %s: %w", pltOutput, err)
		}
		if err := emitter.EmitPLT(f, args); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	},
}

func init() {
	pltCmd.Flags().StringVar(&pltArch, "arch", runtime.GOARCH, "Target architecture: amd64, arm64 or arm")
	pltCmd.Flags().StringVarP(&pltOutput, "output", "o", "", "Write to a file instead of stdout")
}
