// Package retention deletes conversations that have been idle past a
// configured age, on a cron schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"

	"github.com/dotsetgreg/bolagent/pkg/docstore"
	"github.com/dotsetgreg/bolagent/pkg/logger"
	"github.com/dotsetgreg/bolagent/pkg/session"
)

// Sweeper periodically removes idle conversations. App and user state are
// never touched; only conversation documents and their event logs go.
type Sweeper struct {
	store    docstore.Store
	sessions *session.Service
	schedule string
	idle     time.Duration
	gron     *gronx.Gronx
	log      zerolog.Logger
}

func NewSweeper(store docstore.Store, sessions *session.Service, schedule string, idle time.Duration) (*Sweeper, error) {
	g := gronx.New()
	if !g.IsValid(schedule) {
		return nil, fmt.Errorf("invalid retention schedule %q", schedule)
	}
	return &Sweeper{
		store:    store,
		sessions: sessions,
		schedule: schedule,
		idle:     idle,
		gron:     g,
		log:      logger.For("retention"),
	}, nil
}

// Run checks the schedule once a minute and sweeps when it fires. Returns
// when the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	s.log.Info().Str("schedule", s.schedule).Dur("idle", s.idle).Msg("retention sweeper running")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := s.gron.IsDue(s.schedule, now)
			if err != nil {
				s.log.Error().Err(err).Msg("evaluate schedule")
				continue
			}
			if !due {
				continue
			}
			deleted, err := s.Sweep(ctx)
			if err != nil {
				s.log.Error().Err(err).Msg("sweep failed")
				continue
			}
			s.log.Info().Int("deleted", deleted).Msg("sweep complete")
		}
	}
}

// Sweep deletes every conversation whose last activity is older than the
// idle cutoff and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	paths, err := s.store.Scan(ctx, "apps/")
	if err != nil {
		return 0, fmt.Errorf("scan conversations: %w", err)
	}

	cutoff := time.Now().Add(-s.idle).UnixMilli()
	deleted := 0
	for _, path := range paths {
		id, ok := session.ParseConversationPath(path)
		if !ok {
			continue
		}

		doc, err := s.store.Get(ctx, path)
		if errors.Is(err, docstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return deleted, err
		}
		if doc.UpdatedAt >= cutoff {
			continue
		}

		if err := s.sessions.Delete(ctx, id); err != nil {
			return deleted, fmt.Errorf("delete %s: %w", id, err)
		}
		s.log.Debug().Str("conversation", id.String()).Msg("idle conversation removed")
		deleted++
	}
	return deleted, nil
}
