package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestTypingSweeper_PurgesStaleIndicators(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.hub.now = func() time.Time { return now }

	agentConn := NewClient(f.agent.ID, f.agent.Username, f.agent.Role, "")
	f.hub.Register(ctx, agentConn)

	require.NoError(t, f.repo.StartTyping(ctx, f.conv.ID, f.customer.ID, now.Add(-6*time.Minute)))
	require.NoError(t, f.repo.StartTyping(ctx, f.conv.ID, f.agent.ID, now.Add(-time.Minute)))

	s := NewTypingSweeper(f.hub, 5*time.Minute, time.Hour, zerolog.Nop())
	require.Equal(t, 1, s.Sweep(ctx))

	stop := next(t, agentConn)
	require.Equal(t, EventTypingStop, stop.Event)
	require.Contains(t, string(stop.Data), `"username":"Visitor"`)

	rows, err := f.repo.ListTyping(ctx, f.conv.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, f.agent.ID, rows[0].UserID)

	require.Equal(t, 0, s.Sweep(ctx))
}

func TestTypingSweeper_StartStopIdempotent(t *testing.T) {
	f := newFixture(t)
	s := NewTypingSweeper(f.hub, time.Minute, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop()
}
