package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chaitin/lidstore"
	"github.com/chaitin/lidstore/pkg/chunkid"
)

var (
	inspectRanges bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <dump>",
	Short: "Print the allocator state stored in a dump",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return errors.Wrap(err, "open dump")
		}
		defer func() { _ = f.Close() }()

		allocator := lidstore.New(chunkid.NodeID(nodeID), nil,
			lidstore.WithCapacity(2), lidstore.WithLogger(zap.NewNop()))
		if err := allocator.Import(bufio.NewReader(f)); err != nil {
			return err
		}
		store := allocator.Store()
		if err := store.Validate(); err != nil {
			return err
		}
		status := allocator.Status()
		getPos, putPos := store.Cursors()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "highest lid: %s\n", status.HighestLID)
		fmt.Fprintf(out, "free lids:   %d (%d spare, %d zombies)\n",
			status.TotalFree, status.InStore,
			status.TotalFree-status.InStore)
		fmt.Fprintf(out, "slots:       %d/%d (get %d, put %d)\n",
			status.Slots, status.Capacity, getPos, putPos)
		if inspectRanges {
			for _, rng := range store.Ranges() {
				fmt.Fprintf(out, "%s\n", rng)
			}
			return nil
		}
		for _, entry := range store.Entries() {
			fmt.Fprintf(out, "%s\n", entry)
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectRanges, "ranges", inspectRanges,
		"print the decoded ranges instead of the raw entries")
	rootCmd.AddCommand(inspectCmd)
}
