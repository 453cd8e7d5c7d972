package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/markforge/internal/recovery"
)

var (
	sweepOutput string
	sweepReset  bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove temporary files left behind by crashed batches",
	Long: `Sweep deletes chunk artifacts, staged outputs and scratch files of batches
that are no longer running. With --reset it also deletes every converted
file so the next batch starts from scratch. Sweep refuses to run while
another batch is live on the same output directory.`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().StringVarP(&sweepOutput, "output", "o", "", "output directory (required)")
	sweepCmd.Flags().BoolVar(&sweepReset, "reset", false, "also delete converted outputs")
	sweepCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	logger := newLogger(cmd.ErrOrStderr(), false)

	m, err := recovery.Open(ctx, sweepOutput, recovery.WithLogger(logger))
	if err != nil {
		return err
	}
	defer m.Close()

	var freed int
	if sweepReset {
		freed, err = m.ResetOutput(ctx)
	} else {
		freed, err = m.Sweep(ctx, nil)
	}
	if errors.Is(err, recovery.ErrBatchActive) {
		return fmt.Errorf("%s is in use by a running batch", sweepOutput)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Freed %d file(s).\n", freed)
	return nil
}
