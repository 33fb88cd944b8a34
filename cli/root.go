package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/soflab/solink"
)

var (
	loadAddress uint64
	fileOffset  uint64
	searchPaths []string
	symbol      string
	shareRelro  bool
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:          "solink <shared library>",
	Short:        "Load a shared library with explicit placement and inspect its layout",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts []solink.Option
		if verbose {
			log, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer log.Sync()
			opts = append(opts, solink.WithLogger(log))
		}
		loader := solink.NewLoader(opts...)

		ctx := solink.NewContext()
		ctx.SetLoadAddress(uintptr(loadAddress))
		ctx.SetFileOffset(uintptr(fileOffset))
		for _, path := range searchPaths {
			ctx.AddSearchPath(path)
		}
		if shareRelro {
			ctx.SetDeferRelroSeal(true)
		}

		library, err := loader.Open(args[0], ctx)
		if err != nil {
			return err
		}
		defer library.Close(ctx)

		out := cmd.OutOrStdout()
		if library.IsSystem() {
			fmt.Fprintf(out, "%s: loaded through the host loader\n", library.Name())
			return nil
		}

		info, err := library.Info(ctx)
		if err != nil {
			return err
		}
		if shareRelro {
			info, err = library.EnableRelroSharing(ctx)
			if err != nil {
				return err
			}
		}

		fmt.Fprintf(out, "load address: %#x\n", info.LoadAddress)
		fmt.Fprintf(out, "load size:    %#x\n", info.LoadSize)
		fmt.Fprintf(out, "relro start:  %#x\n", info.RelroStart)
		fmt.Fprintf(out, "relro size:   %#x\n", info.RelroSize)
		fmt.Fprintf(out, "relro fd:     %d\n", info.RelroFD)

		if symbol != "" {
			addr, err := library.FindSymbol(symbol, ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %#x\n", symbol, addr)
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().Uint64Var(&loadAddress, "load-address", 0, "Explicit page-aligned load address (0 = randomized)")
	rootCmd.Flags().Uint64Var(&fileOffset, "file-offset", 0, "Page-aligned offset of the ELF image within the file")
	rootCmd.Flags().StringArrayVar(&searchPaths, "search-path", nil, "Additional search path list (colon-separated, repeatable)")
	rootCmd.Flags().StringVar(&symbol, "symbol", "", "Symbol to resolve in the loaded library")
	rootCmd.Flags().BoolVar(&shareRelro, "share-relro", false, "Export the RELRO region to a shareable descriptor")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable engine debug tracing")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
