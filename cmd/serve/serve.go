// Package serve runs the pipeline as a long-lived process: it keeps the
// metrics endpoint up and periodically checks the retrain threshold,
// optionally kicking off a run when it is crossed.
package serve

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flywheel-ml/flywheel/internal/conf"
	"github.com/flywheel-ml/flywheel/internal/errors"
	"github.com/flywheel-ml/flywheel/internal/logging"
	"github.com/flywheel-ml/flywheel/internal/observability"
	"github.com/flywheel-ml/flywheel/internal/pipeline"
)

// Command returns the serve command.
func Command(settings *conf.Settings) *cobra.Command {
	var (
		checkInterval time.Duration
		autoRetrain   bool
		autoPromote   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline as a background service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(settings, checkInterval, autoRetrain, autoPromote)
		},
	}

	cmd.Flags().DurationVar(&checkInterval, "check-interval", time.Minute, "how often to check the retrain threshold")
	cmd.Flags().BoolVar(&autoRetrain, "auto-retrain", false, "start a retraining run when the threshold is crossed")
	cmd.Flags().BoolVar(&autoPromote, "auto-promote", false, "evaluate finished candidates for promotion")

	return cmd
}

func runService(settings *conf.Settings, checkInterval time.Duration, autoRetrain, autoPromote bool) error {
	logger := logging.ForService("serve")
	if settings.Main.Log.Enabled {
		fileLogger, closeLogger, err := logging.NewFileLogger(settings.Main.Log.Path, "serve", slog.LevelInfo)
		if err != nil {
			return err
		}
		defer func() { _ = closeLogger() }()
		logger = fileLogger
	}

	p, err := pipeline.New(settings)
	if err != nil {
		return err
	}
	defer p.Close()

	var wg sync.WaitGroup
	quit := make(chan struct{})

	if settings.Metrics.Enabled {
		endpoint, err := observability.NewEndpoint(settings, p.Metrics)
		if err != nil {
			return err
		}
		endpoint.Start(&wg, quit)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		watchThreshold(ctx, p, checkInterval, autoRetrain, autoPromote)
	}()

	fmt.Println("flywheel service started, press Ctrl+C to stop")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancel()
	close(quit)
	wg.Wait()
	return nil
}

// watchThreshold polls the unused-label count and optionally turns a crossed
// threshold into a retraining run. A failed run is logged and polling
// continues; the next crossing tries again.
func watchThreshold(ctx context.Context, p *pipeline.Pipeline, interval time.Duration, autoRetrain, autoPromote bool) {
	logger := logging.ForService("serve")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		reached, err := p.Orchestrator.CheckRetrainThreshold(ctx)
		if err != nil {
			logger.Error("threshold check failed", "error", err)
			continue
		}
		if !reached || !autoRetrain {
			continue
		}

		candidate, err := p.Orchestrator.Retrain(ctx, nil)
		if err != nil {
			if errors.IsConcurrentRetrain(err) {
				continue
			}
			logger.Error("retraining run failed", "error", err)
			continue
		}

		if !autoPromote {
			continue
		}
		promoted, _, err := p.Promotion.EvaluateAndPromote(ctx, candidate.ID)
		if err != nil {
			logger.Error("promotion evaluation failed", "model_version_id", candidate.ID, "error", err)
			continue
		}
		logger.Info("candidate evaluated", "model_version_id", candidate.ID, "promoted", promoted)
	}
}
