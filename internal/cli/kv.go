package cli

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/sabro/persist"
)

// NewKVCommand creates the kv command group for the persistent item
// store: get, set, del, and list within a named group.
func NewKVCommand(opts *RootOptions) *cobra.Command {
	var group string

	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Access the persistent item store",
	}
	cmd.PersistentFlags().StringVar(&group, "group", "default", "item group key")

	withStore := func(run func(ctx context.Context, s *persist.Store, f *OutputFormatter, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
			s := persist.NewStore(opts.registry(), opts.cfg.Database.DSN, group)
			defer func() { s.Shutdown().Wait(context.Background()) }()
			if err := run(cmd.Context(), s, formatter, args); err != nil {
				formatter.Error(err)
				return WrapExitError(ExitFailure, "kv "+cmd.Name(), err)
			}
			return nil
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <name>",
		Short: "Print an item's value",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, s *persist.Store, f *OutputFormatter, args []string) error {
			v, err := s.Load(ctx, args[0]).Wait(ctx)
			if err != nil {
				return err
			}
			r := v.(persist.LoadResult)
			if r.Missing {
				return WrapExitError(ExitFailure, "no item "+args[0], nil)
			}
			return f.Success(string(r.Raw))
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <name> <value>",
		Short: "Store an item (value parsed as JSON, else stored as a string)",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(func(ctx context.Context, s *persist.Store, f *OutputFormatter, args []string) error {
			if _, err := s.Upsert(ctx, args[0], parseValue(args[1])).Wait(ctx); err != nil {
				return err
			}
			return f.Success("ok")
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "del <name>...",
		Short: "Delete items",
		Args:  cobra.MinimumNArgs(1),
		RunE: withStore(func(ctx context.Context, s *persist.Store, f *OutputFormatter, args []string) error {
			if _, err := s.Delete(ctx, args...).Wait(ctx); err != nil {
				return err
			}
			return f.Success("ok")
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List item names in the group",
		Args:  cobra.NoArgs,
		RunE: withStore(func(ctx context.Context, s *persist.Store, f *OutputFormatter, args []string) error {
			v, err := s.Names(ctx).Wait(ctx)
			if err != nil {
				return err
			}
			names := v.([]string)
			if f.Format == "json" {
				return f.Success(names)
			}
			return f.Success(strings.Join(names, "\n"))
		}),
	})

	return cmd
}

// parseValue keeps valid JSON as-is and quotes everything else as a
// JSON string, so `kv set n 42` and `kv set n hello` both work.
func parseValue(raw string) any {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	return raw
}
