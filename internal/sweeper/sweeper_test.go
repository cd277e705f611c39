package sweeper

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/memoir-cowriter/internal/domain"
	"github.com/ashureev/memoir-cowriter/internal/store"
)

func TestSweepRemovesExpiredSessions(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "memoir.db"))
	require.NoError(t, err)
	defer func() { _ = repo.Close() }()
	ctx := context.Background()

	require.NoError(t, repo.UpsertMemoirSession(ctx, &domain.MemoirSession{
		ID: "1", UserID: "u", SessionID: "s", Phase: "awaiting_answer",
	}))
	require.NoError(t, repo.UpsertAgentSession(ctx, &domain.AgentSession{
		UserID: "u", SessionID: "s", MessagesJSON: "[]",
	}))

	var mu sync.Mutex
	var cleaned []domain.SessionKey
	sw := New(repo, -time.Minute, time.Hour, func(key domain.SessionKey) {
		mu.Lock()
		defer mu.Unlock()
		cleaned = append(cleaned, key)
	}, nil)

	assert.Equal(t, 1, sw.Sweep(ctx))
	assert.Equal(t, []domain.SessionKey{{UserID: "u", SessionID: "s"}}, cleaned)

	m, err := repo.GetMemoirSession(ctx, "u", "s")
	require.NoError(t, err)
	assert.Nil(t, m)
	a, err := repo.GetAgentSession(ctx, "u", "s")
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestSweepKeepsFreshSessions(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "memoir.db"))
	require.NoError(t, err)
	defer func() { _ = repo.Close() }()
	ctx := context.Background()

	require.NoError(t, repo.UpsertMemoirSession(ctx, &domain.MemoirSession{
		ID: "1", UserID: "u", SessionID: "s", Phase: "awaiting_answer",
	}))

	sw := New(repo, time.Hour, time.Hour, nil, nil)
	assert.Zero(t, sw.Sweep(ctx))

	m, err := repo.GetMemoirSession(ctx, "u", "s")
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestRunStopsOnCancel(t *testing.T) {
	sw := New(&flakyStore{}, time.Hour, time.Millisecond, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// flakyStore reports the database as busy a fixed number of times.
type flakyStore struct {
	mu       sync.Mutex
	busyLeft int
	deletes  int
}

func (f *flakyStore) GetExpiredSessions(context.Context, time.Duration) ([]domain.SessionKey, error) {
	return []domain.SessionKey{{UserID: "u", SessionID: "s"}}, nil
}

func (f *flakyStore) DeleteMemoirSession(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.busyLeft > 0 {
		f.busyLeft--
		return errors.New("database is locked (5) (SQLITE_BUSY)")
	}
	return nil
}

func (f *flakyStore) DeleteAgentSession(context.Context, string, string) error { return nil }

func (f *flakyStore) CleanupExpiredSessions(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func TestSweepRetriesBusyDatabase(t *testing.T) {
	fs := &flakyStore{busyLeft: 2}
	sw := New(fs, time.Hour, time.Hour, nil, nil)

	assert.Equal(t, 1, sw.Sweep(context.Background()))
	assert.Equal(t, 3, fs.deletes)
}

func TestSweepGivesUpAfterRetries(t *testing.T) {
	fs := &flakyStore{busyLeft: 10}
	sw := New(fs, time.Hour, time.Hour, nil, nil)

	assert.Zero(t, sw.Sweep(context.Background()))
	assert.Equal(t, 3, fs.deletes)
}
