// Package refresh republishes the stats request on a schedule so the
// dashboard counters self-heal even without push traffic.
package refresh

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/painelbot/painelbot/internal/config"
	"github.com/painelbot/painelbot/internal/protocol"
	"github.com/painelbot/painelbot/internal/realtime"
)

// ConnectionStater reports the current connection snapshot.
type ConnectionStater interface {
	State() realtime.State
}

// Publisher sends outbound events, fire-and-forget.
type Publisher interface {
	Publish(channel string, payload any)
}

// Scheduler issues periodic request:stats while the connection is online.
type Scheduler struct {
	log      zerolog.Logger
	cron     *cron.Cron
	manager  ConnectionStater
	registry Publisher
}

// New creates the scheduler with the configured cron spec.
func New(cfg *config.Config, log zerolog.Logger, manager ConnectionStater, registry Publisher) (*Scheduler, error) {
	s := &Scheduler{
		log:      log.With().Str("component", "refresh").Logger(),
		cron:     cron.New(),
		manager:  manager,
		registry: registry,
	}

	if _, err := s.cron.AddFunc(cfg.RefreshSpec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid refresh spec %q: %w", cfg.RefreshSpec, err)
	}
	return s, nil
}

// Start begins the schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Debug().Msg("refresh schedule started")
}

// Stop halts the schedule; a tick already running completes.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

func (s *Scheduler) tick() {
	if s.manager.State().Phase != realtime.PhaseOnline {
		return
	}
	s.registry.Publish(protocol.ChanRequestStats, struct{}{})
	s.log.Debug().Msg("stats refresh requested")
}
