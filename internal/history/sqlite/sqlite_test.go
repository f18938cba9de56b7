package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viarom/furnivia/internal/history"
)

func TestSQLiteSink_SendAndRecent(t *testing.T) {
	sink, err := New(context.Background(), "sqlite://" + filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	ctx := context.Background()
	started := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	code := 1

	require.NoError(t, sink.Send(ctx, history.Event{
		Type:       history.EventStart,
		OccurredAt: started,
		Record:     history.Record{Name: "backend", PID: 4242, StartedAt: started},
	}))
	require.NoError(t, sink.Send(ctx, history.Event{
		Type:       history.EventExit,
		OccurredAt: started.Add(30 * time.Second),
		Record: history.Record{
			Name: "backend", PID: 4242, StartedAt: started, StoppedAt: started.Add(30 * time.Second),
			ExitCode: &code, Detail: "exit status 1",
		},
	}))

	got, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, history.EventExit, got[0].Type)
	require.NotNil(t, got[0].Record.ExitCode)
	assert.Equal(t, 1, *got[0].Record.ExitCode)
	assert.Equal(t, "exit status 1", got[0].Record.Detail)
	assert.False(t, got[0].Record.Intentional)
	assert.True(t, got[0].Record.StartedAt.Equal(started))

	assert.Equal(t, history.EventStart, got[1].Type)
	assert.Nil(t, got[1].Record.ExitCode)
	assert.True(t, got[1].Record.StoppedAt.IsZero())

	one, err := sink.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	require.NoError(t, sink.Send(context.Background(), history.Event{
		Type: history.EventSpawnError, OccurredAt: time.Now(), Record: history.Record{Name: "backend", Detail: "python not found"},
	}))
	got, err := sink.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "python not found", got[0].Record.Detail)
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New(context.Background(), "  ")
	assert.Error(t, err)
}

func TestPublish_LogsAndContinues(t *testing.T) {
	good, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	defer func() { _ = good.Close() }()
	closed, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	require.NoError(t, closed.Close())

	history.Publish(context.Background(), []history.Sink{closed, good}, history.Event{
		Type: history.EventStart, OccurredAt: time.Now(), Record: history.Record{Name: "backend", PID: 1},
	})
	got, err := good.Recent(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
