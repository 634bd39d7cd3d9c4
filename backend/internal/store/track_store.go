package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"syncClient/backend/internal/state"
)

const trackSchema = `CREATE TABLE IF NOT EXISTS entity_tracks (
	id          BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
	entity_id   VARCHAR(64)     NOT NULL,
	sequence    BIGINT UNSIGNED NOT NULL,
	fields      JSON            NULL,
	removed     TINYINT(1)      NOT NULL DEFAULT 0,
	recorded_at DATETIME(3)     NOT NULL,
	UNIQUE KEY uk_entity_seq (entity_id, sequence)
)`

// TrackPoint is one applied version of an entity.
type TrackPoint struct {
	EntityID   string         `json:"entityId"`
	Sequence   uint64         `json:"sequence"`
	Fields     map[string]any `json:"fields,omitempty"`
	Removed    bool           `json:"removed,omitempty"`
	RecordedAt time.Time      `json:"recordedAt"`
}

type TrackStore struct{ db *sql.DB }

func NewTrackStore(db *sql.DB) *TrackStore {
	return &TrackStore{db: db}
}

func (s *TrackStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, trackSchema)
	return err
}

// SaveTrack records one version. Recording the same (entity, sequence) twice
// is a no-op.
func (s *TrackStore) SaveTrack(ctx context.Context, snap state.Snapshot) error {
	var fields []byte
	if snap.Fields != nil {
		b, err := json.Marshal(snap.Fields)
		if err != nil {
			return err
		}
		fields = b
	}
	recordedAt := snap.UpdatedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entity_tracks (entity_id, sequence, fields, removed, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		snap.EntityID,
		snap.LastAppliedSequence,
		fields,
		snap.Removed,
		recordedAt.UTC(),
	)
	if err != nil {
		if isDuplicate(err) {
			return nil
		}
		return err
	}
	return nil
}

// ListTrack returns the latest limit points of an entity, newest first.
func (s *TrackStore) ListTrack(ctx context.Context, entityID string, limit int) ([]TrackPoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, sequence, fields, removed, recorded_at
		FROM entity_tracks WHERE entity_id = ? ORDER BY sequence DESC LIMIT ?`,
		entityID,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []TrackPoint
	for rows.Next() {
		var (
			p      TrackPoint
			fields []byte
		)
		if err := rows.Scan(&p.EntityID, &p.Sequence, &fields, &p.Removed, &p.RecordedAt); err != nil {
			return nil, err
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &p.Fields); err != nil {
				return nil, err
			}
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// RecordTracks writes every applied change from sub until ctx ends. Warm-start
// snapshots are skipped because they were recorded in a previous run.
func RecordTracks(ctx context.Context, s *TrackStore, sub *state.Subscription, logger *log.Logger) {
	if logger == nil {
		logger = log.Default()
	}
	defer sub.Close()
	for change := range sub.Changes(ctx) {
		if change.Snapshot.Stale {
			continue
		}
		saveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := s.SaveTrack(saveCtx, change.Snapshot); err != nil {
			logger.Printf("record track %s seq=%d: %v", change.EntityID, change.Snapshot.LastAppliedSequence, err)
		}
		cancel()
	}
}
