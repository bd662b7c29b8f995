package bootstrap

import (
	"context"
	"log/slog"
	"time"

	"github.com/schjonhaug/tapcustody/internal/application"
)

// Sweeper periodically expires stale pending transfers and deletes old session rows.
type Sweeper struct {
	logger   *slog.Logger
	service  *application.Service
	interval time.Duration
}

func NewSweeper(logger *slog.Logger, service *application.Service, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{logger: logger, service: service, interval: interval}
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		res, err := s.service.Sweep(ctx)
		switch {
		case err != nil:
			s.logger.ErrorContext(ctx, "sweep iteration failed",
				"module", "bootstrap.sweeper",
				"operation", "sweep",
				"outcome", "failure",
				"error", err,
			)
		case res.Transfers > 0 || res.Sessions > 0:
			s.logger.InfoContext(ctx, "sweep removed expired records",
				"module", "bootstrap.sweeper",
				"operation", "sweep",
				"outcome", "success",
				"transfers", res.Transfers,
				"sessions", res.Sessions,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
