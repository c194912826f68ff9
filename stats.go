package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"magicsaas-pipeline/internal/config"
	"magicsaas-pipeline/internal/eventstore/interfaces/export"
	"magicsaas-pipeline/internal/logging"
)

type statsOptions struct {
	*rootOptions
	format string
	out    string
}

func newStatsCommand(root *rootOptions) *cobra.Command {
	opts := &statsOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Report persisted event counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return runStats(cmd.Context(), cfg, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.format, "format", export.FormatText, "output format (text|xlsx|pdf)")
	cmd.Flags().StringVar(&opts.out, "out", "", "write to file instead of stdout")
	return cmd
}

func runStats(ctx context.Context, cfg *config.Config, opts *statsOptions, stdout io.Writer) (err error) {
	logger := logging.New(cfg.Log)
	backend, _, err := openBackend(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	store, err := newStore(backend, cfg, nil, logger)
	if err != nil {
		_ = backend.Close()
		return err
	}
	defer func() {
		if cerr := store.Shutdown(context.WithoutCancel(ctx)); err == nil {
			err = cerr
		}
	}()

	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	out := stdout
	if opts.out != "" {
		f, err := os.Create(opts.out)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	return export.Render(out, stats, opts.format)
}
