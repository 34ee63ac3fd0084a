package audit_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelaboratoryltd/opsbot/pkg/audit"
)

func TestSQLiteStorage_AppendAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	storage, err := audit.OpenSQLite(path)
	require.NoError(t, err)
	defer storage.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, storage.Append(ctx, &audit.Entry{
		ID:        "e1",
		Timestamp: now,
		CallerID:  7,
		Command:   "recharge",
		Target:    "alice",
		Outcome:   audit.OutcomeOK,
		Detail:    "plan 10M",
		Latency:   250 * time.Millisecond,
	}))
	require.NoError(t, storage.Append(ctx, &audit.Entry{
		ID:        "e2",
		Timestamp: now.Add(time.Second),
		CallerID:  7,
		Command:   "deactivate",
		Target:    "alice",
		Outcome:   audit.OutcomeError,
	}))

	entries, err := storage.Entries(ctx, audit.Query{CallerID: 7})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first.
	assert.Equal(t, "e2", entries[0].ID)
	assert.Equal(t, "e1", entries[1].ID)
	assert.Equal(t, audit.OutcomeOK, entries[1].Outcome)
	assert.Equal(t, "plan 10M", entries[1].Detail)
	assert.Equal(t, 250*time.Millisecond, entries[1].Latency)
	assert.Equal(t, now, entries[1].Timestamp)
}

func TestSQLiteStorage_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()

	storage, err := audit.OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, storage.Append(ctx, &audit.Entry{
		ID:        "e1",
		Timestamp: time.Now().UTC(),
		CallerID:  1,
		Command:   "activate",
		Outcome:   audit.OutcomeOK,
	}))
	require.NoError(t, storage.Close())

	reopened, err := audit.OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	_, err := audit.OpenSQLite("  ")
	assert.Error(t, err)
}
