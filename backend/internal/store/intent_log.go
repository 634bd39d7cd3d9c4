package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"syncClient/backend/internal/outbox"
)

// IntentRecord 每个意图的最终结果
type IntentRecord struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Status    string    `gorm:"type:varchar(16);index" json:"status"`
	Attempts  int       `gorm:"default:0" json:"attempts"`
	Reason    string    `gorm:"type:varchar(255)" json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (IntentRecord) TableName() string { return "intent_outcomes" }

type IntentLog struct {
	db *gorm.DB
}

func NewIntentLog(db *gorm.DB) *IntentLog {
	return &IntentLog{db: db}
}

func (l *IntentLog) Migrate(ctx context.Context) error {
	return l.db.WithContext(ctx).AutoMigrate(&IntentRecord{})
}

// Record upserts the outcome of one intent.
func (l *IntentLog) Record(ctx context.Context, o outbox.Outcome) error {
	rec := IntentRecord{ID: o.ID, Status: o.Status.String(), Attempts: o.Attempts}
	if o.Err != nil {
		rec.Reason = truncate(o.Err.Error(), 255)
	}
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "attempts", "reason", "updated_at"}),
	}).Create(&rec).Error
}

// Get 没找到返回 nil, nil
func (l *IntentLog) Get(ctx context.Context, id string) (*IntentRecord, error) {
	var rec IntentRecord
	err := l.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Recent returns the latest limit records, newest first.
func (l *IntentLog) Recent(ctx context.Context, limit int) ([]IntentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []IntentRecord
	err := l.db.WithContext(ctx).Order("updated_at DESC").Limit(limit).Find(&recs).Error
	return recs, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
