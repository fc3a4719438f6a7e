package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay/outbox"
	"github.com/spf13/cobra"
)

const (
	defaultArchiveAge = 30 * 24 * time.Hour
	defaultListLimit  = 50
)

var errNothingToRequeue = errors.New("pass record ids or --all")

// statusOrder fixes the row order of stats output.
var statusOrder = []outbox.Status{outbox.StatusPending, outbox.StatusSent, outbox.StatusFailed, outbox.StatusArchived}

func newRequeueCommand(opts *rootOptions, connectFn connector) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "requeue [id...]",
		Short: "Move FAILED records back to PENDING",
		Long: `Move FAILED records back to PENDING so the relay publishes them again.

Examples:
  outboxctl requeue 12 13
  outboxctl requeue --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}

			if len(ids) == 0 && !all {
				return errNothingToRequeue
			}

			if len(ids) > 0 && all {
				return errors.New("--all cannot be combined with record ids")
			}

			return withEnv(cmd, opts, connectFn, func(ctx context.Context, e *env) error {
				var n int64

				err := e.withAdminLock(ctx, func(ctx context.Context) error {
					var err error
					n, err = e.store.Requeue(ctx, ids...)

					return err
				})
				if err != nil {
					return fmt.Errorf("requeue: %w", err)
				}

				if opts.format == formatJSON {
					return writeJSON(cmd.OutOrStdout(), map[string]int64{"requeued": n})
				}

				fmt.Fprintf(cmd.OutOrStdout(), "requeued %d record(s)\n", n)

				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "requeue every FAILED record")

	return cmd
}

func newArchiveCommand(opts *rootOptions, connectFn connector) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive SENT and FAILED records older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive, got %s", olderThan)
			}

			cutoff := time.Now().UTC().Add(-olderThan)

			return withEnv(cmd, opts, connectFn, func(ctx context.Context, e *env) error {
				var n int64

				err := e.withAdminLock(ctx, func(ctx context.Context) error {
					var err error
					n, err = e.store.Archive(ctx, cutoff)

					return err
				})
				if err != nil {
					return fmt.Errorf("archive: %w", err)
				}

				if opts.format == formatJSON {
					return writeJSON(cmd.OutOrStdout(), map[string]any{"archived": n, "cutoff": cutoff})
				}

				fmt.Fprintf(cmd.OutOrStdout(), "archived %d record(s) created before %s\n", n, cutoff.Format(time.RFC3339))

				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", defaultArchiveAge, "archive records created longer ago than this")

	return cmd
}

func newStatsCommand(opts *rootOptions, connectFn connector) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count records per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, opts, connectFn, func(ctx context.Context, e *env) error {
				counts, err := e.store.CountByStatus(ctx)
				if err != nil {
					return fmt.Errorf("stats: %w", err)
				}

				if opts.format == formatJSON {
					out := make(map[string]int64, len(statusOrder))
					for _, status := range statusOrder {
						out[string(status)] = counts[status]
					}

					return writeJSON(cmd.OutOrStdout(), out)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "STATUS\tCOUNT")

				for _, status := range statusOrder {
					fmt.Fprintf(w, "%s\t%d\n", status, counts[status])
				}

				return w.Flush()
			})
		},
	}
}

func newListCommand(opts *rootOptions, connectFn connector) *cobra.Command {
	var (
		status string
		queue  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := outbox.ListFilter{Queue: strings.TrimSpace(queue), Limit: limit}

			if status != "" {
				parsed, err := outbox.ParseStatus(status)
				if err != nil {
					return err
				}

				filter.Status = parsed
			}

			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}

			return withEnv(cmd, opts, connectFn, func(ctx context.Context, e *env) error {
				records, err := e.store.List(ctx, filter)
				if err != nil {
					return fmt.Errorf("list: %w", err)
				}

				if opts.format == formatJSON {
					return writeJSON(cmd.OutOrStdout(), records)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATUS\tQUEUE\tCREATED_AT\tACTION\tENTITY")

				for _, record := range records {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%v\t%v\n",
						record.ID,
						record.Status,
						record.Queue,
						record.CreatedAt.UTC().Format(time.RFC3339),
						payloadField(record.Payload, "action"),
						payloadField(record.Payload, "entity"),
					)
				}

				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only records with this status (pending|sent|failed|archived)")
	cmd.Flags().StringVar(&queue, "queue", "", "only records for this queue")
	cmd.Flags().IntVar(&limit, "limit", defaultListLimit, "maximum number of records")

	return cmd
}

func newMigrateCommand(opts *rootOptions, connectFn connector) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the outbox and catalog schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, opts, connectFn, func(ctx context.Context, e *env) error {
				if err := e.migrate(ctx); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}

				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")

				return nil
			})
		},
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))

	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid record id %q", arg)
		}

		ids = append(ids, id)
	}

	return ids, nil
}

func payloadField(payload outbox.Payload, key string) any {
	if v, ok := payload[key]; ok {
		return v
	}

	return "-"
}
