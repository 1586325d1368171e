package oauth

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/christophengelmayer/flow-oauth2-client/internal/common/errors"
	"github.com/christophengelmayer/flow-oauth2-client/internal/common/logging"
)

// Sweeper proactively refreshes authorization-code records before their
// tokens expire, so interactive authorizations stay warm even when no
// request happens to hit them near expiry. Reactive refresh in
// GetAuthenticatedRequest still covers anything the sweep misses.
type Sweeper struct {
	manager   refresher
	cron      *cron.Cron
	schedule  string
	lookahead time.Duration
	logger    logging.Logger
}

// refresher is the slice of Manager the sweeper needs.
type refresher interface {
	RefreshExpiring(ctx context.Context, lookahead time.Duration) (int, error)
}

// NewSweeper creates a sweeper running on the given cron schedule
// (standard cron syntax, @every and friends included). Lookahead is how
// far into the future a token may expire and still get refreshed now.
func NewSweeper(manager refresher, schedule string, lookahead time.Duration, logger logging.Logger) (*Sweeper, error) {
	if manager == nil {
		return nil, errors.ConfigError("manager is required")
	}
	if schedule == "" {
		return nil, errors.ConfigError("sweep schedule is required")
	}
	if lookahead <= 0 {
		return nil, errors.ConfigError("sweep lookahead must be positive")
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Sweeper{
		manager:   manager,
		cron:      cron.New(),
		schedule:  schedule,
		lookahead: lookahead,
		logger:    logger,
	}, nil
}

// Start registers the sweep job and starts the scheduler.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.schedule, s.sweep)
	if err != nil {
		return errors.ConfigError("invalid sweep schedule: " + err.Error())
	}

	s.cron.Start()
	s.logger.Info("Refresh sweeper started",
		logging.Field{Key: "schedule", Value: s.schedule},
		logging.Field{Key: "lookahead", Value: s.lookahead.String()},
	)
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	refreshed, err := s.manager.RefreshExpiring(ctx, s.lookahead)
	if err != nil {
		s.logger.Error("Refresh sweep failed", err)
		return
	}
	if refreshed > 0 {
		s.logger.Info("Refresh sweep completed",
			logging.Field{Key: "refreshed", Value: refreshed},
		)
	}
}
