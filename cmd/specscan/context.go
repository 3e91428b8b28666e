package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"specscan/internal/config"
	"specscan/internal/faults"
	"specscan/internal/logging"
	"specscan/internal/metrics"
	"specscan/internal/pipeline"
)

type commandContext struct {
	configFlag *string
	jsonFlag   *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		jsonFlag:   jsonFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) JSONMode() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

// session is one stage invocation: a run id, its logger, the opened stores
// and the metrics endpoint.
type session struct {
	cfg      *config.Config
	runID    string
	logPath  string
	logger   *slog.Logger
	pipeline *pipeline.Pipeline
	closer   io.Closer
	stop     context.CancelFunc
	served   chan error
}

func (c *commandContext) openSession(cmd *cobra.Command, withSource bool) (*session, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	logger, logPath, err := logging.NewFromConfig(cfg, runID)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger = logger.With(logging.String(logging.FieldRunID, runID))

	ctx := faults.WithRunID(cmd.Context(), runID)
	deps, closer, err := pipeline.Open(ctx, cfg, withSource)
	if err != nil {
		return nil, err
	}

	s := &session{
		cfg:      cfg,
		runID:    runID,
		logPath:  logPath,
		logger:   logger,
		pipeline: pipeline.New(cfg, deps, logger),
		closer:   closer,
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logging.WarnWithContext(logger, "metrics registration failed", "metrics_unavailable", logging.Error(err))
	}
	if cfg.Metrics.Listen != "" {
		serveCtx, stop := context.WithCancel(context.Background())
		s.stop = stop
		s.served = make(chan error, 1)
		go func() {
			s.served <- metrics.Serve(serveCtx, cfg.Metrics.Listen, prometheus.DefaultGatherer, logger)
		}()
	}
	cmd.SetContext(ctx)
	return s, nil
}

func (s *session) Close() error {
	var errs []error
	if s.stop != nil {
		s.stop()
		if err := <-s.served; err != nil {
			errs = append(errs, fmt.Errorf("metrics endpoint: %w", err))
		}
	}
	if s.closer != nil {
		errs = append(errs, s.closer.Close())
	}
	return errors.Join(errs...)
}

// withSession opens a session around fn and closes it afterwards.
func (c *commandContext) withSession(cmd *cobra.Command, withSource bool, fn func(*session) error) error {
	s, err := c.openSession(cmd, withSource)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
