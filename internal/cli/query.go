package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/sabro/broker"
)

// NewQueryCommand creates the query command: run a row-returning
// statement and print the rows.
func NewQueryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "query <statement> [args...]",
		Short: "Run a query and print its rows",
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
				return WrapExitError(ExitFailure, "run query", err)
			}
			cursor, ok := v.(*broker.Cursor)
			if !ok {
				// Statement turned out not to return rows.
				res := v.(broker.ExecResult)
				return formatter.Success(execSummary{
					RowsAffected: res.RowsAffected,
					LastInsertID: res.LastInsertID,
				})
			}
			rows, err := cursor.All(ctx)
			if err != nil {
				formatter.Error(err)
				return WrapExitError(ExitFailure, "fetch rows", err)
			}
			return formatter.Success(queryResult{Columns: cursor.Columns(), Rows: rows})
		},
	}
}

type queryResult struct {
	Columns []string     `json:"columns"`
	Rows    []broker.Row `json:"rows"`
}

func (r queryResult) String() string {
	var sb strings.Builder
	sb.WriteString(strings.Join(r.Columns, "\t"))
	for _, row := range r.Rows {
		sb.WriteByte('\n')
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = cellString(v)
		}
		sb.WriteString(strings.Join(cells, "\t"))
	}
	return sb.String()
}

func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
