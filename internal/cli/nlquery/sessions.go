package nlquery

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/duckmesh/nlquery/internal/conversation"
)

type sessionsEnv struct {
	store *conversation.Store
}

// withSessions opens only the session backend; these commands never touch
// the warehouse.
func withSessions(cmd *cobra.Command, opts Options, run func(sessionsEnv) error) error {
	ctx := cmd.Context()
	e, err := loadEnv(ctx, opts, false)
	if err != nil {
		return err
	}
	defer e.stop()

	store, closeStore, err := opts.NewSessions(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			e.logger.Warn("close session store", slog.Any("error", err))
		}
	}()
	return run(sessionsEnv{store: store})
}
