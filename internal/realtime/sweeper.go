package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TypingSweeper periodically removes typing indicators that never received a
// stop and tells the affected rooms.
type TypingSweeper struct {
	hub       *Hub
	staleTTL  time.Duration
	interval  time.Duration
	log       zerolog.Logger
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewTypingSweeper(hub *Hub, staleTTL, interval time.Duration, log zerolog.Logger) *TypingSweeper {
	return &TypingSweeper{
		hub:      hub,
		staleTTL: staleTTL,
		interval: interval,
		log:      log.With().Str("component", "typing-sweeper").Logger(),
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop in background.
// Safe to call multiple times - only the first call starts the sweeper.
func (s *TypingSweeper) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run(ctx)
		s.log.Info().Dur("interval", s.interval).Dur("stale_after", s.staleTTL).Msg("typing sweeper started")
	})
}

// Stop waits for an in-flight sweep to finish.
func (s *TypingSweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.log.Info().Msg("typing sweeper stopped")
	})
}

func (s *TypingSweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns how many indicators were removed.
func (s *TypingSweeper) Sweep(ctx context.Context) int {
	cutoff := s.hub.now().Add(-s.staleTTL)
	rows, err := s.hub.store.PurgeStaleTyping(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("purge stale typing")
		return 0
	}
	if len(rows) > 0 {
		s.log.Info().Int("removed", len(rows)).Time("cutoff", cutoff).Msg("stale typing cleared")
	}
	s.hub.typingCleared(ctx, rows)
	return len(rows)
}
