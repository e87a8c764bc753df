package repository

import (
	"context"
	"time"

	"audio-converter/internal/domain"
)

// TaskPatch is a partial update. Only non-nil fields are written; there is no
// atomicity across fields.
type TaskPatch struct {
	Status             *domain.Status
	Progress           *float64
	Message            *string
	FilePath           *string
	FileMetadata       *domain.FileMetadata
	Error              *string
	RemoteLocation     *string
	DownloadCountDelta int
}

// IsEmpty reports whether the patch would change nothing.
func (p TaskPatch) IsEmpty() bool {
	return p.Status == nil && p.Progress == nil && p.Message == nil && p.FilePath == nil &&
		p.FileMetadata == nil && p.Error == nil && p.RemoteLocation == nil && p.DownloadCountDelta == 0
}

// TaskStore persists task records with a record-level time to live.
type TaskStore interface {
	// Create inserts a new record. An existing id yields domain.ErrStateConflict.
	Create(ctx context.Context, task *domain.Task) error
	// Patch merges the provided fields. Status edges outside the task state
	// machine yield domain.ErrStateConflict, a missing id domain.ErrNotFound.
	Patch(ctx context.Context, id string, patch TaskPatch) error
	// Get returns domain.ErrNotFound for missing or expired records.
	Get(ctx context.Context, id string) (*domain.Task, error)
	ListByStatuses(ctx context.Context, statuses ...domain.Status) ([]domain.Task, error)
	// PurgeExpired drops records whose TTL elapsed before now.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Retention controls record lifetimes.
type Retention struct {
	Window time.Duration
	Grace  time.Duration
}

// TTL is the record lifetime applied on create and on completion.
func (r Retention) TTL() time.Duration {
	return r.Window + r.Grace
}

// DefaultRetention keeps records for seven days plus an hour of grace.
var DefaultRetention = Retention{Window: 7 * 24 * time.Hour, Grace: time.Hour}

// Helpers for building patches inline.

func StatusPtr(s domain.Status) *domain.Status { return &s }
func FloatPtr(f float64) *float64              { return &f }
func StringPtr(s string) *string               { return &s }
