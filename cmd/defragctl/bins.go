package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/defragkit/internal/sizeclass"
)

var (
	binsQuantum  uint64
	binsPageSize uint64
)

func init() {
	cmd := newBinsCmd()
	cmd.Flags().Uint64Var(&binsQuantum, "quantum", 16, "Size-class quantum (8 or 16)")
	cmd.Flags().Uint64Var(&binsPageSize, "page-size", 4096, "Page size in bytes")
	rootCmd.AddCommand(cmd)
}

func newBinsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bins",
		Short: "Print the small size-class layout",
		Long: `The bins command prints the small bins of an allocator with the given
quantum and page size: region size, regions per slab and slab size.

Example:
  defragctl bins
  defragctl bins --quantum 8 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBins()
		},
	}
}

func runBins() error {
	t, err := sizeclass.NewTable(binsQuantum, binsPageSize)
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(t.Classes)
	}

	printInfo("%s\n\n", render(headerStyle, fmt.Sprintf("Size classes (%s)", t)))
	tbl := &table{header: []string{"bin", "region", "regions", "slab"}}
	for _, c := range t.Classes {
		tbl.add(fmt.Sprint(c.Index), num(c.RegionSize), num(c.RegionCount), num(c.SlabSize))
	}
	printInfo("%s", tbl)
	return nil
}
