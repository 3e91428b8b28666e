package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"specscan/internal/pipeline"
	"specscan/internal/runsummary"
	"specscan/internal/tile"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var fromFile string
	cmd := &cobra.Command{
		Use:   "enqueue [survey/program/pixel ...]",
		Short: "Register tiles in the fetch ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := parseKeys(args, fromFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				return fmt.Errorf("no tile keys given")
			}
			return ctx.withSession(cmd, false, func(s *session) error {
				summary := runsummary.New()
				added, err := s.pipeline.Enqueue(cmd.Context(), keys, summary)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, map[string]int{"requested": len(keys), "added": added})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %d of %d tile(s); %d already known\n", added, len(keys), len(keys)-added)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&fromFile, "file", "f", "", "Read tile keys from a file, one per line (- for stdin)")
	return cmd
}

func newFetchCommand(ctx *commandContext) *cobra.Command {
	var retryFailed, skipPreflight bool
	cmd := &cobra.Command{
		Use:   "fetch [survey/program/pixel ...]",
		Short: "Download tiles into the local cache",
		Long:  "Download the given tiles, or every pending and partial tile in the ledger when none are given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := parseKeys(args, "", nil)
			if err != nil {
				return err
			}
			return ctx.withSession(cmd, true, func(s *session) error {
				summary := runsummary.New()
				err := s.pipeline.Fetch(cmd.Context(), pipeline.FetchOptions{
					Keys:          keys,
					RetryFailed:   retryFailed,
					SkipPreflight: skipPreflight,
				}, summary)
				if err != nil {
					return err
				}
				return reportSummary(cmd, ctx, s, summary, nil)
			})
		},
	}
	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "Reset failed tiles to pending before fetching")
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "Skip directory, disk space and source checks")
	return cmd
}

func newExtractCommand(ctx *commandContext) *cobra.Command {
	var force bool
	var batch int
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract, normalize and store spectra from fetched tiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, false, func(s *session) error {
				summary := runsummary.New()
				if err := s.pipeline.Extract(cmd.Context(), pipeline.ExtractOptions{Force: force, BatchSize: batch}, summary); err != nil {
					_ = reportSummary(cmd, ctx, s, summary, nil)
					return err
				}
				return reportSummary(cmd, ctx, s, summary, nil)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Re-extract tiles already complete under the processing version")
	cmd.Flags().IntVar(&batch, "batch", pipeline.DefaultExtractBatch, "Records written per transaction")
	return cmd
}

func newTrainCommand(ctx *commandContext) *cobra.Command {
	var opts pipeline.TrainOptions
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit a PCA model on stored spectra and save it as a new model version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, false, func(s *session) error {
				summary := runsummary.New()
				manifest, err := s.pipeline.Train(cmd.Context(), opts, summary)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, manifest)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Model %s saved\n", manifest.Version)
				fmt.Fprintf(out, "  processing version: %s\n", manifest.ProcessingVersion)
				fmt.Fprintf(out, "  samples:            %d\n", manifest.Samples)
				fmt.Fprintf(out, "  latent dim:         %d of %d\n", manifest.LatentDim, manifest.Dims)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ModelVersion, "model", "", "Model version to create (default scoring.model_version)")
	cmd.Flags().IntVar(&opts.LatentDim, "latent-dim", 0, "Components to keep (default scoring.latent_dim)")
	cmd.Flags().BoolVar(&opts.IncludeLowQuality, "include-low-quality", false, "Train on low-quality spectra too")
	return cmd
}

func newScoreCommand(ctx *commandContext) *cobra.Command {
	var opts pipeline.ScoreOptions
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score stored spectra that have no score under the model version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, false, func(s *session) error {
				summary := runsummary.New()
				res, err := s.pipeline.Score(cmd.Context(), opts, summary)
				if err != nil {
					return err
				}
				return reportSummary(cmd, ctx, s, summary, res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ModelVersion, "model", "", "Model version to score with (default scoring.model_version)")
	return cmd
}

func newRankCommand(ctx *commandContext) *cobra.Command {
	var modelVersion string
	cmd := &cobra.Command{
		Use:   "rank",
		Short: "Recompute the anomaly ranking of a model version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, false, func(s *session) error {
				summary := runsummary.New()
				if _, err := s.pipeline.Rank(cmd.Context(), modelVersion, summary); err != nil {
					return err
				}
				return reportSummary(cmd, ctx, s, summary, nil)
			})
		},
	}
	cmd.Flags().StringVar(&modelVersion, "model", "", "Model version to rank (default scoring.model_version)")
	return cmd
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var opts pipeline.RunOptions
	cmd := &cobra.Command{
		Use:   "run [survey/program/pixel ...]",
		Short: "Fetch, extract and score in one pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := parseKeys(args, "", nil)
			if err != nil {
				return err
			}
			opts.Fetch.Keys = keys
			return ctx.withSession(cmd, true, func(s *session) error {
				summary := runsummary.New()
				if err := s.pipeline.Run(cmd.Context(), opts, summary); err != nil {
					_ = reportSummary(cmd, ctx, s, summary, nil)
					return err
				}
				return reportSummary(cmd, ctx, s, summary, nil)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Fetch.RetryFailed, "retry-failed", false, "Reset failed tiles to pending before fetching")
	cmd.Flags().BoolVar(&opts.Fetch.SkipPreflight, "skip-preflight", false, "Skip directory, disk space and source checks")
	cmd.Flags().BoolVar(&opts.Extract.Force, "force", false, "Re-extract tiles already complete under the processing version")
	cmd.Flags().BoolVar(&opts.SkipScore, "skip-score", false, "Stop after extraction")
	return cmd
}

// parseKeys reads tile keys from args and, optionally, a file or stdin.
func parseKeys(args []string, fromFile string, stdin io.Reader) ([]tile.Key, error) {
	values := append([]string(nil), args...)
	if fromFile != "" {
		var r io.Reader = stdin
		if fromFile != "-" {
			f, err := os.Open(fromFile)
			if err != nil {
				return nil, fmt.Errorf("open key list: %w", err)
			}
			defer f.Close()
			r = f
		}
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			values = append(values, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read key list: %w", err)
		}
	}

	keys := make([]tile.Key, 0, len(values))
	for _, v := range values {
		key, err := tile.ParseKey(v)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}
