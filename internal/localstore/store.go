// Package localstore keeps the editor's working CV on the device.
//
// Reads are served from memory. Writes update memory first and are then
// persisted to SQLite; persistence failures are logged and never surface to
// the caller, so the in-memory copy stays the source of truth for the session.
package localstore

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/cv"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/syncengine"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultProfile names the profile used when none is configured.
const DefaultProfile = "default"

var errMissingDatabase = errors.New("database handle is required")

// Listener is notified after each successful in-memory mutation.
type Listener interface {
	DocumentChanged()
	SettingsChanged()
}

// Config describes a Store.
type Config struct {
	Database *gorm.DB
	Profile  string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the device-local document, settings and backup slot of one profile.
type Store struct {
	db      *gorm.DB
	profile string
	clock   func() time.Time
	logger  *zap.Logger

	// persistMu is held by every mutation from the memory update through its
	// SQLite write, and by Reload for its whole read and compare, so a reload
	// never observes a row older than memory. Taken before mu.
	persistMu sync.Mutex

	mu        sync.Mutex
	document  cv.Document
	settings  cv.Settings
	listeners map[int64]Listener
	nextID    int64
}

// Open loads the profile's persisted state into memory.
func Open(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	profile := strings.TrimSpace(cfg.Profile)
	if profile == "" {
		profile = DefaultProfile
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := &Store{
		db:        cfg.Database,
		profile:   profile,
		clock:     clock,
		logger:    logger,
		document:  cv.Document{},
		listeners: make(map[int64]Listener),
	}

	var documentRow DocumentRow
	err := cfg.Database.Where("profile = ?", profile).Take(&documentRow).Error
	switch {
	case err == nil:
		document, decodeErr := cv.DecodeDocument(documentRow.DocumentJSON)
		if decodeErr != nil {
			logger.Warn("stored document unreadable; starting empty", zap.String("profile", profile), zap.Error(decodeErr))
		} else {
			store.document = document
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, err
	}

	var settingsRow SettingsRow
	err = cfg.Database.Where("profile = ?", profile).Take(&settingsRow).Error
	switch {
	case err == nil:
		if decodeErr := json.Unmarshal([]byte(settingsRow.SettingsJSON), &store.settings); decodeErr != nil {
			logger.Warn("stored settings unreadable; using defaults", zap.String("profile", profile), zap.Error(decodeErr))
			store.settings = cv.Settings{}
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, err
	}

	return store, nil
}

// Profile returns the profile name the store is bound to.
func (s *Store) Profile() string {
	return s.profile
}

// Subscribe registers a listener and returns a func that removes it.
func (s *Store) Subscribe(listener Listener) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = listener
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Document returns a copy of the working document.
func (s *Store) Document() cv.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.document.Clone()
}

// Settings returns the working settings.
func (s *Store) Settings() cv.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// SetDocument replaces the working document and notifies listeners.
func (s *Store) SetDocument(document cv.Document) {
	if document == nil {
		document = cv.Document{}
	}
	s.persistMu.Lock()
	s.mu.Lock()
	s.document = document.Clone()
	listeners := s.snapshotListenersLocked()
	s.mu.Unlock()
	s.persistDocumentLocked()
	s.persistMu.Unlock()

	for _, listener := range listeners {
		listener.DocumentChanged()
	}
}

// SetSettings replaces the working settings and notifies listeners.
func (s *Store) SetSettings(settings cv.Settings) {
	s.persistMu.Lock()
	s.mu.Lock()
	s.settings = settings
	listeners := s.snapshotListenersLocked()
	s.mu.Unlock()
	s.persistSettingsLocked()
	s.persistMu.Unlock()

	for _, listener := range listeners {
		listener.SettingsChanged()
	}
}

// Reload re-reads the persisted document and settings and notifies listeners
// about values written by another process. It reports whether anything changed.
func (s *Store) Reload() (bool, error) {
	s.persistMu.Lock()
	documentChanged, settingsChanged, listeners, err := s.reloadLocked()
	s.persistMu.Unlock()
	if err != nil {
		return false, err
	}

	for _, listener := range listeners {
		if documentChanged {
			listener.DocumentChanged()
		}
		if settingsChanged {
			listener.SettingsChanged()
		}
	}
	return documentChanged || settingsChanged, nil
}

func (s *Store) reloadLocked() (bool, bool, []Listener, error) {
	var documentRow DocumentRow
	documentErr := s.db.Where("profile = ?", s.profile).Take(&documentRow).Error
	if documentErr != nil && !errors.Is(documentErr, gorm.ErrRecordNotFound) {
		return false, false, nil, documentErr
	}
	var settingsRow SettingsRow
	settingsErr := s.db.Where("profile = ?", s.profile).Take(&settingsRow).Error
	if settingsErr != nil && !errors.Is(settingsErr, gorm.ErrRecordNotFound) {
		return false, false, nil, settingsErr
	}

	s.mu.Lock()
	documentChanged := false
	if documentErr == nil {
		current, _ := s.document.Encode()
		if current != documentRow.DocumentJSON {
			document, err := cv.DecodeDocument(documentRow.DocumentJSON)
			if err != nil {
				s.mu.Unlock()
				return false, false, nil, err
			}
			s.document = document
			documentChanged = true
		}
	}
	settingsChanged := false
	if settingsErr == nil {
		var settings cv.Settings
		if err := json.Unmarshal([]byte(settingsRow.SettingsJSON), &settings); err != nil {
			s.mu.Unlock()
			return false, false, nil, err
		}
		if settings != s.settings {
			s.settings = settings
			settingsChanged = true
		}
	}
	listeners := s.snapshotListenersLocked()
	s.mu.Unlock()
	return documentChanged, settingsChanged, listeners, nil
}

// SaveBackup overwrites the profile's safety-net slot.
func (s *Store) SaveBackup(backup syncengine.Backup) error {
	payload, err := backup.Data.Encode()
	if err != nil {
		return err
	}
	reason := backup.Reason
	if reason == "" {
		reason = syncengine.BackupReason
	}
	timestamp := backup.Timestamp
	if timestamp.IsZero() {
		timestamp = s.clock()
	}
	row := BackupRow{
		Profile:          s.profile,
		Name:             syncengine.BackupReason,
		DataJSON:         payload,
		Reason:           reason,
		DiscardedSource:  string(backup.DiscardedSource),
		CreatedAtSeconds: timestamp.UTC().Unix(),
	}
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// LoadBackup returns the safety-net slot, reporting false when it is empty.
func (s *Store) LoadBackup() (syncengine.Backup, bool, error) {
	var row BackupRow
	err := s.db.Where("profile = ? AND name = ?", s.profile, syncengine.BackupReason).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return syncengine.Backup{}, false, nil
	}
	if err != nil {
		return syncengine.Backup{}, false, err
	}
	document, err := cv.DecodeDocument(row.DataJSON)
	if err != nil {
		return syncengine.Backup{}, false, err
	}
	return syncengine.Backup{
		Data:            document,
		Reason:          row.Reason,
		DiscardedSource: syncengine.Source(row.DiscardedSource),
		Timestamp:       time.Unix(row.CreatedAtSeconds, 0).UTC(),
	}, true, nil
}

func (s *Store) snapshotListenersLocked() []Listener {
	listeners := make([]Listener, 0, len(s.listeners))
	for _, listener := range s.listeners {
		listeners = append(listeners, listener)
	}
	return listeners
}

func (s *Store) persistDocumentLocked() {
	payload, err := s.Document().Encode()
	if err != nil {
		s.logError("encode_document", err)
		return
	}
	row := DocumentRow{Profile: s.profile, DocumentJSON: payload, UpdatedAtSeconds: s.clock().UTC().Unix()}
	if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		s.logError("persist_document", err)
	}
}

func (s *Store) persistSettingsLocked() {
	payload, err := json.Marshal(s.Settings())
	if err != nil {
		s.logError("encode_settings", err)
		return
	}
	row := SettingsRow{Profile: s.profile, SettingsJSON: string(payload), UpdatedAtSeconds: s.clock().UTC().Unix()}
	if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		s.logError("persist_settings", err)
	}
}

func (s *Store) logError(reason string, err error) {
	s.logger.Error("local store error",
		zap.String("operation", "localstore.write"),
		zap.String("reason", reason),
		zap.String("profile", s.profile),
		zap.Error(err))
}

var (
	_ syncengine.LocalStore  = (*Store)(nil)
	_ syncengine.BackupStore = (*Store)(nil)
	_ Listener               = (*syncengine.Engine)(nil)
)
