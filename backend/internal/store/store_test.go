package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncClient/backend/internal/outbox"
	"syncClient/backend/internal/state"
)

// 需要真实 MySQL：SYNC_TEST_MYSQL_DSN=user:pass@tcp(127.0.0.1:3306)/sync_test?parseTime=true
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("SYNC_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("skip: mysql not available (SYNC_TEST_MYSQL_DSN unset)")
	}
	return dsn
}

func TestIsDuplicate(t *testing.T) {
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	assert.True(t, isDuplicate(dup))
	assert.True(t, isDuplicate(fmt.Errorf("insert: %w", dup)))
	assert.False(t, isDuplicate(&mysql.MySQLError{Number: 1146}))
	assert.False(t, isDuplicate(errors.New("boom")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
}

func TestTrackStore_SaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQL(ctx, testDSN(t))
	if err != nil {
		t.Skipf("skip: mysql not available: %v", err)
	}
	defer db.Close()

	s := NewTrackStore(db)
	require.NoError(t, s.EnsureSchema(ctx))
	entityID := fmt.Sprintf("boat-test-%d", time.Now().UnixNano())
	t.Cleanup(func() { _, _ = db.Exec(`DELETE FROM entity_tracks WHERE entity_id = ?`, entityID) })

	snap := state.Snapshot{EntityID: entityID, LastAppliedSequence: 4, Fields: map[string]any{"ammonia": 0.02}, UpdatedAt: time.Now()}
	require.NoError(t, s.SaveTrack(ctx, snap))
	require.NoError(t, s.SaveTrack(ctx, snap), "duplicate (entity, sequence) is treated as success")
	require.NoError(t, s.SaveTrack(ctx, state.Snapshot{EntityID: entityID, LastAppliedSequence: 5, Removed: true}))

	points, err := s.ListTrack(ctx, entityID, 10)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, uint64(5), points[0].Sequence)
	assert.True(t, points[0].Removed)
	assert.Equal(t, 0.02, points[1].Fields["ammonia"])
}

func TestIntentLog_RecordUpserts(t *testing.T) {
	ctx := context.Background()
	db, err := InitMySQL(testDSN(t))
	if err != nil {
		t.Skipf("skip: mysql not available: %v", err)
	}
	l := NewIntentLog(db)
	require.NoError(t, l.Migrate(ctx))
	id := fmt.Sprintf("intent-test-%d", time.Now().UnixNano())
	t.Cleanup(func() { db.Where("id = ?", id).Delete(&IntentRecord{}) })

	require.NoError(t, l.Record(ctx, outbox.Outcome{ID: id, Status: outbox.Sent, Attempts: 1}))
	require.NoError(t, l.Record(ctx, outbox.Outcome{
		ID: id, Status: outbox.Failed, Attempts: 5,
		Err: &outbox.IntentFailedError{ID: id, Attempts: 5, Reason: "retry budget exhausted"},
	}))

	rec, err := l.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "failed", rec.Status)
	assert.Equal(t, 5, rec.Attempts)
	assert.Contains(t, rec.Reason, "retry budget exhausted")

	missing, err := l.Get(ctx, id+"-missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
