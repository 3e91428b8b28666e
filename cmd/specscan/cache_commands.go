package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"specscan/internal/cache"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the scratch tile cache",
	}
	cacheCmd.AddCommand(newCacheListCommand(ctx))
	cacheCmd.AddCommand(newCachePruneCommand(ctx))
	return cacheCmd
}

func newCacheListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached tiles and partial downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			entries, err := cache.List(cfg.Paths.ScratchDir)
			if err != nil {
				return err
			}
			if ctx.JSONMode() {
				return writeJSON(cmd, entries)
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintf(out, "Cache %s is empty\n", cfg.Paths.ScratchDir)
				return nil
			}
			var total int64
			rows := make([][]string, len(entries))
			for i, e := range entries {
				rel, err := filepath.Rel(cfg.Paths.ScratchDir, e.Path)
				if err != nil {
					rel = e.Path
				}
				rows[i] = []string{rel, formatBytes(e.Size), yesNo(e.Partial), e.ModTime.Local().Format("2006-01-02 15:04")}
				total += e.Size
			}
			fmt.Fprintln(out, renderTable([]string{"Tile", "Size", "Partial", "Modified"}, rows,
				[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft}, isTerminal(out)))
			fmt.Fprintf(out, "%d tile(s), %s\n", len(entries), formatBytes(total))
			return nil
		},
	}
}

type pruneOutput struct {
	Removed []string `json:"removed"`
	Busy    []string `json:"busy,omitempty"`
	Freed   int64    `json:"freed_bytes"`
	Errors  []string `json:"errors,omitempty"`
}

func newCachePruneCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove cached tiles that are no longer awaiting extraction",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return errors.New("--older-than must not be negative")
			}
			return ctx.withSession(cmd, false, func(s *session) error {
				res, err := s.pipeline.PruneCache(cmd.Context(), olderThan)
				if err != nil {
					return err
				}
				output := pruneOutput{Removed: res.Removed, Busy: res.Busy, Freed: res.Freed}
				for _, e := range res.Errors {
					output.Errors = append(output.Errors, fmt.Sprintf("%s: %v", e.Path, e.Error))
				}
				if ctx.JSONMode() {
					if err := writeJSON(cmd, output); err != nil {
						return err
					}
				} else {
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "Removed %d cached tile(s), freed %s\n", len(res.Removed), formatBytes(res.Freed))
					if len(res.Busy) > 0 {
						fmt.Fprintf(out, "Skipped %d tile(s) locked by a running fetch\n", len(res.Busy))
					}
					for _, line := range output.Errors {
						fmt.Fprintf(out, "  failed: %s\n", line)
					}
				}
				if len(res.Errors) > 0 {
					return fmt.Errorf("cache prune: %d removal(s) failed", len(res.Errors))
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Only remove tiles not modified within this duration")
	return cmd
}

func formatBytes(n int64) string {
	return humanize.IBytes(uint64(max(n, 0)))
}
