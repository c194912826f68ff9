package main

import (
	"context"
	"io"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"magicsaas-pipeline/internal/config"
	esdomain "magicsaas-pipeline/internal/eventstore/domain"
	"magicsaas-pipeline/internal/logging"
)

type replayOptions struct {
	*rootOptions
	aggregate   string
	aggregateID string
	from        int
}

func newReplayCommand(root *rootOptions) *cobra.Command {
	opts := &replayOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Print the persisted events of one aggregate as JSON lines",
		Example: `  magicsaas replay --aggregate room --id acme:lobby
  magicsaas replay --aggregate dictation --id 0190c1c2-... --from 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return runReplay(cmd.Context(), cfg, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.aggregate, "aggregate", "", "aggregate name (required)")
	cmd.Flags().StringVar(&opts.aggregateID, "id", "", "aggregate id (required)")
	cmd.Flags().IntVar(&opts.from, "from", 0, "positional offset to start from")
	_ = cmd.MarkFlagRequired("aggregate")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func runReplay(ctx context.Context, cfg *config.Config, opts *replayOptions, out io.Writer) (err error) {
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

	enc := json.NewEncoder(out)
	return store.ReplayFrom(ctx, opts.aggregate, opts.aggregateID, opts.from, func(_ context.Context, event esdomain.SystemEvent) error {
		return enc.Encode(event)
	})
}
