package syncengine

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/cv"
)

// LocalStore is the editor's document store. Reads and writes are synchronous
// and never fail from the caller's point of view.
type LocalStore interface {
	Document() cv.Document
	Settings() cv.Settings
	SetDocument(document cv.Document)
	SetSettings(settings cv.Settings)
}

// RemoteStore is the authenticated persistence API. Every call may fail.
type RemoteStore interface {
	EnsureProfile(ctx context.Context, userID cv.UserID) (bool, error)
	// FetchUserCV returns nil without error when the user has no record.
	FetchUserCV(ctx context.Context, userID cv.UserID) (*cv.RemoteRecord, error)
	CreateCV(ctx context.Context, userID cv.UserID, document cv.Document, settings cv.Settings, title string) (*cv.RemoteRecord, error)
	UpdateCV(ctx context.Context, recordID cv.RecordID, patch cv.UpdatePatch) error
}

// BackupReason tags why a backup was written.
const BackupReason = "sync-conflict"

// Backup is the safety-net copy of a discarded version.
type Backup struct {
	Data            cv.Document
	Reason          string
	DiscardedSource Source
	Timestamp       time.Time
}

// BackupStore persists the single safety-net slot, overwriting it on each write.
type BackupStore interface {
	SaveBackup(backup Backup) error
}
