package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joshuapare/defragkit/internal/sizeclass"
)

var scQuantum uint64

func init() {
	cmd := newSizeclassCmd()
	cmd.Flags().Uint64Var(&scQuantum, "quantum", 16, "Size-class quantum (8 or 16)")
	rootCmd.AddCommand(cmd)
}

func newSizeclassCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sizeclass <size>...",
		Short: "Print the bin index serving each size",
		Long: `The sizeclass command evaluates the closed-form bin index formula for
each size, the same mapping the engine verifies against the allocator.

Example:
  defragctl sizeclass 8 100 4096
  defragctl sizeclass --quantum 8 24`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSizeclass(args)
		},
	}
}

type sizeclassResult struct {
	Size       uint64 `json:"size"`
	Bin        int    `json:"bin"`
	RegionSize uint64 `json:"region_size"`
}

func runSizeclass(args []string) error {
	t, err := sizeclass.NewTable(scQuantum, 4096)
	if err != nil {
		return err
	}

	results := make([]sizeclassResult, 0, len(args))
	for _, arg := range args {
		size, err := strconv.ParseUint(arg, 10, 64)
		if err != nil || size == 0 {
			return fmt.Errorf("invalid size %q", arg)
		}
		if size > t.MaxRegionSize() {
			return fmt.Errorf("size %d is above the largest small class (%d)", size, t.MaxRegionSize())
		}
		idx, _ := sizeclass.BinIndex(scQuantum, size)
		results = append(results, sizeclassResult{Size: size, Bin: idx, RegionSize: t.Classes[idx].RegionSize})
	}

	if jsonOut {
		return printJSON(results)
	}
	for _, r := range results {
		printInfo("%s -> bin %d (%s)\n", num(r.Size), r.Bin, render(labelStyle, num(r.RegionSize)+" byte regions"))
	}
	return nil
}
