package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	carto "github.com/planel-net/Carto-Dev-sub001"
)

func tablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List the host's tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				names, err := c.ListTables(ctx)
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
}

func readCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "read TABLE",
		Short: "Print a table, from cache when the host is unreachable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				snap := c.ReadTable(ctx, args[0])
				status := c.Status()
				if status.State != carto.StateConnected {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s, last sync %s\n", status.State, formatSync(status.LastSync))
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), snap)
				}
				return writeSnapshot(cmd.OutOrStdout(), snap)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw snapshot")
	return cmd
}

func addCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add TABLE COLUMN=VALUE...",
		Short: "Append a row",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			row, err := parseRow(args[1:])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *client) error {
				return c.AddRow(ctx, args[0], row)
			})
		},
	}
}

func updateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update TABLE INDEX COLUMN=VALUE...",
		Short: "Change columns of the row at INDEX",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[1])
			if err != nil {
				return err
			}
			row, err := parseRow(args[2:])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *client) error {
				return c.UpdateRow(ctx, args[0], index, row)
			})
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete TABLE INDEX",
		Short: "Delete the row at INDEX; later rows shift down",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[1])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *client) error {
				return c.DeleteRow(ctx, args[0], index)
			})
		},
	}
}

func searchCmd() *cobra.Command {
	var fields []string
	cmd := &cobra.Command{
		Use:   "search TABLE TERM",
		Short: "Find rows containing TERM",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				rows, err := c.SearchTable(ctx, args[0], args[1], fields)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), rows)
			})
		},
	}
	cmd.Flags().StringSliceVarP(&fields, "fields", "f", nil, "Columns to search (default all)")
	return cmd
}

func valuesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "values TABLE COLUMN",
		Short: "List the distinct values of a column",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				values, err := c.UniqueValues(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				for _, v := range values {
					fmt.Fprintln(cmd.OutOrStdout(), v)
				}
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	var column string
	cmd := &cobra.Command{
		Use:   "stats TABLE",
		Short: "Count rows by migration status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				stats, err := c.MigrationStats(ctx, args[0], column)
				if err != nil {
					return err
				}
				keys := make([]string, 0, len(stats.ByValue))
				for k := range stats.ByValue {
					keys = append(keys, k)
				}
				sort.Strings(keys)

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, k := range keys {
					fmt.Fprintf(w, "%s\t%d\n", k, stats.ByValue[k])
				}
				fmt.Fprintf(w, "total\t%d\n", stats.Total)
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&column, "column", carto.DefaultStatusColumn, "Status column")
	return cmd
}

func copyCmd() *cobra.Command {
	var mapping []string
	cmd := &cobra.Command{
		Use:   "copy SOURCE TARGET",
		Short: "Append the rows of SOURCE to TARGET",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMapping(mapping)
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *client) error {
				result, err := c.CopyFromJira(ctx, carto.CopyParams{
					SourceTable: args[0],
					TargetTable: args[1],
					Mapping:     m,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "copied %d rows\n", result.Copied)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&mapping, "map", "m", nil, "Column renames as SOURCE=TARGET")
	return cmd
}

func invalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate [TABLE]",
		Short: "Drop cached copies of a table, or of every table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return withClient(cmd, func(ctx context.Context, c *client) error {
				return c.InvalidateCache(ctx, name)
			})
		},
	}
}

func notifyCmd() *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:   "notify MESSAGE",
		Short: "Show a notification in the host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				return c.Notify(ctx, args[0], level)
			})
		},
	}
	cmd.Flags().StringVar(&level, "level", "info", "Notification level")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show host reachability and the durable cache contents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client) error {
				out := cmd.OutOrStdout()
				if _, err := c.ListTables(ctx); err != nil {
					fmt.Fprintf(out, "host\t%s unreachable: %s\n", cfg.HostURL, err)
				} else {
					fmt.Fprintf(out, "host\t%s reachable\n", cfg.HostURL)
				}

				meta, ok := c.durable.Metadata(ctx)
				if !ok {
					fmt.Fprintln(out, "cache\tempty")
					return nil
				}
				fmt.Fprintf(out, "cache\tlast sync %s\n", formatSync(time.UnixMilli(meta.LastSync)))

				names := make([]string, 0, len(meta.Tables))
				for name := range meta.Tables {
					names = append(names, name)
				}
				sort.Strings(names)
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				for _, name := range names {
					cached, ok := c.durable.Get(ctx, name)
					if !ok {
						continue
					}
					fmt.Fprintf(w, "  %s\t%s\t%s\n", name, cached.Age.Round(time.Second), freshness(cached))
				}
				return w.Flush()
			})
		},
	}
}

func freshness(c carto.CachedSnapshot) string {
	switch {
	case c.IsFresh:
		return "fresh"
	case c.IsValid:
		return "stale"
	}
	return "expired"
}

func formatSync(t time.Time) string {
	if t.IsZero() || t.UnixMilli() == 0 {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

func writeSnapshot(w io.Writer, snap carto.TableSnapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprint(tw, "#")
	for _, h := range snap.Headers {
		fmt.Fprintf(tw, "\t%s", h)
	}
	fmt.Fprintln(tw)
	for i, row := range snap.Data {
		index, ok := row.Index()
		if !ok {
			index = i
		}
		fmt.Fprint(tw, strconv.Itoa(index))
		for _, v := range row.Values(snap.Headers) {
			fmt.Fprintf(tw, "\t%v", display(v))
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func display(v any) any {
	if v == nil {
		return ""
	}
	return v
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
