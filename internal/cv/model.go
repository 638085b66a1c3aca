package cv

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("cv: invalid record id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("cv: invalid user id")
	// ErrInvalidRecord indicates that a remote record is missing its required shape.
	ErrInvalidRecord = errors.New("cv: invalid record")
	// ErrEmptyPatch indicates that an update carried neither a document nor settings.
	ErrEmptyPatch = errors.New("cv: empty update patch")
)

// RecordID represents a validated remote record identifier.
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return RecordID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RecordID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Settings holds presentation preferences synced alongside the document.
type Settings struct {
	ColorScheme string          `json:"colorScheme"`
	FontFamily  string          `json:"fontFamily"`
	Locale      string          `json:"locale"`
	Theme       string          `json:"theme"`
	Pattern     PatternSettings `json:"pattern"`
}

// PatternSettings configures the decorative background pattern.
type PatternSettings struct {
	Enabled bool    `json:"enabled"`
	Name    string  `json:"name"`
	Opacity float64 `json:"opacity"`
	Scale   float64 `json:"scale"`
}

// RemoteRecord is the server-side representation of a user's CV.
type RemoteRecord struct {
	ID        RecordID  `json:"id"`
	UserID    UserID    `json:"userId"`
	Title     string    `json:"title"`
	Document  Document  `json:"document"`
	Settings  *Settings `json:"settings,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate reports whether the record carries the shape required for reconciliation.
func (record *RemoteRecord) Validate() error {
	if record == nil {
		return fmt.Errorf("%w: nil", ErrInvalidRecord)
	}
	if strings.TrimSpace(record.ID.String()) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if record.Document == nil {
		return fmt.Errorf("%w: missing document", ErrInvalidRecord)
	}
	return nil
}

// UpdatePatch describes a partial record update. Nil fields are left untouched.
type UpdatePatch struct {
	Document Document  `json:"document,omitempty"`
	Settings *Settings `json:"settings,omitempty"`
}

// IsEmpty reports whether the patch carries no fields.
func (patch UpdatePatch) IsEmpty() bool {
	return patch.Document == nil && patch.Settings == nil
}

// Record models the persisted CV payload.
type Record struct {
	RecordID         string `gorm:"column:record_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_cv_records_user_updated,priority:1"`
	Title            string `gorm:"column:title;size:320;not null;default:''"`
	DocumentJSON     string `gorm:"column:document_json;type:text;not null"`
	SettingsJSON     string `gorm:"column:settings_json;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_cv_records_user_updated,priority:2"`
	Version          int64  `gorm:"column:version;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "cv_records"
}
