package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"
)

const (
	formatText = "text"
	formatJSON = "json"
)

var validFormats = []string{formatText, formatJSON}

type rootOptions struct {
	envFile string
	format  string
}

func newRootCommand(connectFn connector) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "outboxctl",
		Short:         "Inspect and repair the transactional outbox",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if !slices.Contains(validFormats, opts.format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.format, validFormats)
			}

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	cmd.PersistentFlags().StringVar(&opts.format, "format", formatText, "output format (text|json)")

	cmd.AddCommand(
		newRequeueCommand(opts, connectFn),
		newArchiveCommand(opts, connectFn),
		newStatsCommand(opts, connectFn),
		newListCommand(opts, connectFn),
		newMigrateCommand(opts, connectFn),
	)

	return cmd
}

// withEnv connects, runs fn and closes the env.
func withEnv(cmd *cobra.Command, opts *rootOptions, connectFn connector, fn func(context.Context, *env) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	e, err := connectFn(ctx, opts)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	defer func() {
		if e.close != nil {
			err = errors.Join(err, e.close())
		}
	}()

	return fn(ctx, e)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
