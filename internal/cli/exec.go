package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/sabro/broker"
)

// NewExecCommand creates the exec command: run one non-row-returning
// statement through the broker.
func NewExecCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <statement> [args...]",
		Short: "Execute a statement and report affected rows",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

			registry := opts.registry()
			b := broker.New(registry, opts.cfg.Database.DSN)
			defer func() { b.Shutdown().Wait(context.Background()) }()

			ctx := cmd.Context()
			v, err := b.Execute(ctx, args[0], stringArgs(args[1:])).Wait(ctx)
			if err != nil {
				formatter.Error(err)
				return WrapExitError(ExitFailure, "execute statement", err)
			}
			res := v.(broker.ExecResult)
			return formatter.Success(execSummary{
				RowsAffected: res.RowsAffected,
				LastInsertID: res.LastInsertID,
			})
		},
	}
}

type execSummary struct {
	RowsAffected int64 `json:"rows_affected"`
	LastInsertID int64 `json:"last_insert_id"`
}

func (s execSummary) String() string {
	return fmt.Sprintf("rows affected: %d (last insert id %d)", s.RowsAffected, s.LastInsertID)
}

// stringArgs widens CLI statement arguments for the driver.
func stringArgs(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
