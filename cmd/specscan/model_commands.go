package main

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"specscan/internal/logging"
	"specscan/internal/metrics"
	"specscan/internal/model"
)

func newModelCommand(ctx *commandContext) *cobra.Command {
	modelCmd := &cobra.Command{
		Use:   "model",
		Short: "Inspect and serve trained models",
	}
	modelCmd.AddCommand(newModelListCommand(ctx))
	modelCmd.AddCommand(newModelServeCommand(ctx))
	return modelCmd
}

func newModelListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored model versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			versions, err := model.Versions(cfg.Paths.ModelsDir)
			if err != nil {
				return err
			}
			manifests := make([]model.Manifest, 0, len(versions))
			for _, v := range versions {
				_, meta, err := model.Load(cfg.Paths.ModelsDir, v)
				if err != nil {
					return err
				}
				manifests = append(manifests, meta)
			}
			if ctx.JSONMode() {
				return writeJSON(cmd, manifests)
			}
			out := cmd.OutOrStdout()
			if len(manifests) == 0 {
				fmt.Fprintf(out, "No models in %s\n", cfg.Paths.ModelsDir)
				return nil
			}
			rows := make([][]string, len(manifests))
			for i, m := range manifests {
				rows[i] = []string{
					m.Version,
					m.Kind,
					m.ProcessingVersion,
					itoa(m.LatentDim),
					fmt.Sprintf("%d", m.Samples),
					m.CreatedAt.Local().Format("2006-01-02 15:04"),
				}
			}
			fmt.Fprintln(out, renderTable([]string{"Version", "Kind", "Processing", "Latent", "Samples", "Created"}, rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft}, isTerminal(out)))
			return nil
		},
	}
}

func newModelServeCommand(ctx *commandContext) *cobra.Command {
	var listen, version string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a stored model over gRPC for remote scoring",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if version == "" {
				version = cfg.Scoring.ModelVersion
			}
			m, _, err := model.Load(cfg.Paths.ModelsDir, version)
			if err != nil {
				return err
			}
			logger, _, err := logging.NewFromConfig(cfg, "")
			if err != nil {
				return err
			}
			logger = logging.NewComponentLogger(logger, "model-server")

			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", listen, err)
			}
			srv := model.NewServer(m)

			runCtx, stop := context.WithCancel(cmd.Context())
			defer stop()
			metricsDone := make(chan error, 1)
			go func() {
				metricsDone <- metrics.Serve(runCtx, cfg.Metrics.Listen, prometheus.DefaultGatherer, logger)
			}()
			go func() {
				<-runCtx.Done()
				srv.GracefulStop()
			}()

			logger.Info("model server listening",
				logging.String("addr", lis.Addr().String()),
				logging.String(logging.FieldModel, version),
				logging.String(logging.FieldEventType, "model_serve"))
			serveErr := srv.Serve(lis)
			stop()
			if err := <-metricsDone; err != nil {
				logging.WarnWithContext(logger, "metrics endpoint stopped", "metrics_unavailable", logging.Error(err))
			}
			if serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
				return serveErr
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:7070", "Address to serve on")
	cmd.Flags().StringVar(&version, "model", "", "Model version to serve (default scoring.model_version)")
	return cmd
}
