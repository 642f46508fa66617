// Package cleanup runs the store's retention sweeps on a timer.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/evetactical/gatewatch/pkg/config"
	"github.com/evetactical/gatewatch/pkg/database"
)

// defaultSweepInterval is used when the configuration leaves the cadence
// unset. Hourly keeps the delete batches small.
const defaultSweepInterval = time.Hour

// Service periodically purges aged kills, findings, and settled alerts. The
// store enforces the windows; this service only supplies the cadence. Sweeps
// are idempotent, so an extra run costs nothing.
type Service struct {
	cfg    *config.RetentionConfig
	store  *database.Client
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention sweeper over the given store.
func NewService(cfg *config.RetentionConfig, store *database.Client, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "cleanup"),
	}
}

// Start launches the background sweep loop. Calling Start on a running
// service is a no-op.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("retention sweeper started",
		"kills", s.cfg.Kills,
		"findings", s.cfg.Findings,
		"alerts", s.cfg.Alerts,
		"interval", s.interval())
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.logger.Info("retention sweeper stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	result, err := s.store.PurgeExpired(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("retention sweep failed", "error", err)
		return
	}

	rowsPurged.WithLabelValues("kills").Add(float64(result.Kills))
	rowsPurged.WithLabelValues("findings").Add(float64(result.Findings))
	rowsPurged.WithLabelValues("alerts").Add(float64(result.Alerts))

	if result.Total() > 0 {
		s.logger.Info("retention sweep purged rows",
			"kills", result.Kills,
			"findings", result.Findings,
			"alerts", result.Alerts)
	}
}

func (s *Service) interval() time.Duration {
	if s.cfg.SweepInterval > 0 {
		return s.cfg.SweepInterval
	}
	return defaultSweepInterval
}
