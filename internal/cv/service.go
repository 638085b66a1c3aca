package cv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrRecordNotFound indicates that no record matches the caller and identifier.
	ErrRecordNotFound = errors.New("cv: record not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a dotted operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "cv.service.new"
	opFetchLatest   = "cv.fetch_latest"
	opCreateRecord  = "cv.create_record"
	opUpdateRecord  = "cv.update_record"
	fieldUserID     = "user_id"
	fieldRecordID   = "record_id"
	queryUserID     = "user_id = ?"
	queryUserRecord = "user_id = ? AND record_id = ?"
	orderLatest     = "updated_at_s DESC, created_at_s DESC"

	reasonMissingDatabase   = "missing_database"
	reasonMissingIDProvider = "missing_id_provider"
	reasonQueryFailed       = "query_failed"
	reasonDecodeFailed      = "decode_failed"
	reasonEncodeFailed      = "encode_failed"
	reasonIDGeneration      = "id_generation_failed"
	reasonInsertFailed      = "insert_failed"
	reasonSaveFailed        = "save_failed"
	reasonRecordNotFound    = "record_not_found"
	reasonEmptyPatch        = "empty_patch"
	reasonInvalidDocument   = "invalid_document"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the CV persistence service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// IDProvider issues new record identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Service persists CV records on the server side of the remote store.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateRequest describes a new record.
type CreateRequest struct {
	UserID   UserID
	Title    string
	Document Document
	Settings *Settings
}

// FetchLatest returns the most recently updated record for the user, or nil when none exists.
func (s *Service) FetchLatest(ctx context.Context, userID UserID) (*RemoteRecord, error) {
	if s.db == nil {
		s.logError(opFetchLatest, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opFetchLatest, reasonMissingDatabase, errMissingDatabase)
	}

	var stored Record
	err := s.db.WithContext(ctx).
		Where(queryUserID, userID.String()).
		Order(orderLatest).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opFetchLatest, reasonQueryFailed, err, zap.String(fieldUserID, userID.String()))
		return nil, newServiceError(opFetchLatest, reasonQueryFailed, err)
	}

	record, err := stored.toRemoteRecord()
	if err != nil {
		s.logError(opFetchLatest, reasonDecodeFailed, err,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldRecordID, stored.RecordID))
		return nil, newServiceError(opFetchLatest, reasonDecodeFailed, err)
	}
	return &record, nil
}

// Create persists a new record. Inline photo blobs are never stored.
func (s *Service) Create(ctx context.Context, request CreateRequest) (RemoteRecord, error) {
	if s.db == nil {
		s.logError(opCreateRecord, reasonMissingDatabase, errMissingDatabase)
		return RemoteRecord{}, newServiceError(opCreateRecord, reasonMissingDatabase, errMissingDatabase)
	}
	if s.idProvider == nil {
		s.logError(opCreateRecord, reasonMissingIDProvider, errMissingIDProvider)
		return RemoteRecord{}, newServiceError(opCreateRecord, reasonMissingIDProvider, errMissingIDProvider)
	}
	if request.Document == nil {
		return RemoteRecord{}, newServiceError(opCreateRecord, reasonInvalidDocument, ErrInvalidRecord)
	}

	documentJSON, err := request.Document.WithoutInlinePhoto().Encode()
	if err != nil {
		s.logError(opCreateRecord, reasonEncodeFailed, err, zap.String(fieldUserID, request.UserID.String()))
		return RemoteRecord{}, newServiceError(opCreateRecord, reasonEncodeFailed, err)
	}
	settingsJSON, err := encodeSettings(request.Settings)
	if err != nil {
		s.logError(opCreateRecord, reasonEncodeFailed, err, zap.String(fieldUserID, request.UserID.String()))
		return RemoteRecord{}, newServiceError(opCreateRecord, reasonEncodeFailed, err)
	}

	recordID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateRecord, reasonIDGeneration, err, zap.String(fieldUserID, request.UserID.String()))
		return RemoteRecord{}, newServiceError(opCreateRecord, reasonIDGeneration, err)
	}

	now := s.clock().UTC().Unix()
	stored := Record{
		RecordID:         recordID,
		UserID:           request.UserID.String(),
		Title:            strings.TrimSpace(request.Title),
		DocumentJSON:     documentJSON,
		SettingsJSON:     settingsJSON,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
		Version:          1,
	}
	if err := s.db.WithContext(ctx).Create(&stored).Error; err != nil {
		s.logError(opCreateRecord, reasonInsertFailed, err,
			zap.String(fieldUserID, request.UserID.String()),
			zap.String(fieldRecordID, recordID))
		return RemoteRecord{}, newServiceError(opCreateRecord, reasonInsertFailed, err)
	}

	record, err := stored.toRemoteRecord()
	if err != nil {
		return RemoteRecord{}, newServiceError(opCreateRecord, reasonDecodeFailed, err)
	}
	return record, nil
}

// Update applies a partial patch to a record owned by the user.
func (s *Service) Update(ctx context.Context, userID UserID, recordID RecordID, patch UpdatePatch) (RemoteRecord, error) {
	if s.db == nil {
		s.logError(opUpdateRecord, reasonMissingDatabase, errMissingDatabase)
		return RemoteRecord{}, newServiceError(opUpdateRecord, reasonMissingDatabase, errMissingDatabase)
	}
	if patch.IsEmpty() {
		return RemoteRecord{}, newServiceError(opUpdateRecord, reasonEmptyPatch, ErrEmptyPatch)
	}

	var updated Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored Record
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryUserRecord, userID.String(), recordID.String()).
			Take(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateRecord, reasonRecordNotFound, ErrRecordNotFound)
		}
		if err != nil {
			s.logError(opUpdateRecord, reasonQueryFailed, err,
				zap.String(fieldUserID, userID.String()),
				zap.String(fieldRecordID, recordID.String()))
			return newServiceError(opUpdateRecord, reasonQueryFailed, err)
		}

		if patch.Document != nil {
			documentJSON, encodeErr := patch.Document.WithoutInlinePhoto().Encode()
			if encodeErr != nil {
				return newServiceError(opUpdateRecord, reasonEncodeFailed, encodeErr)
			}
			stored.DocumentJSON = documentJSON
		}
		if patch.Settings != nil {
			settingsJSON, encodeErr := encodeSettings(patch.Settings)
			if encodeErr != nil {
				return newServiceError(opUpdateRecord, reasonEncodeFailed, encodeErr)
			}
			stored.SettingsJSON = settingsJSON
		}

		now := s.clock().UTC().Unix()
		if now > stored.UpdatedAtSeconds {
			stored.UpdatedAtSeconds = now
		}
		stored.Version++

		if err := tx.Save(&stored).Error; err != nil {
			s.logError(opUpdateRecord, reasonSaveFailed, err,
				zap.String(fieldUserID, userID.String()),
				zap.String(fieldRecordID, recordID.String()))
			return newServiceError(opUpdateRecord, reasonSaveFailed, err)
		}
		updated = stored
		return nil
	})
	if txErr != nil {
		return RemoteRecord{}, txErr
	}

	record, err := updated.toRemoteRecord()
	if err != nil {
		return RemoteRecord{}, newServiceError(opUpdateRecord, reasonDecodeFailed, err)
	}
	return record, nil
}

// StripInlinePhotoJSON removes an inline photo from an encoded document.
// It reports whether the payload changed.
func StripInlinePhotoJSON(documentJSON string) (string, bool, error) {
	document, err := DecodeDocument(documentJSON)
	if err != nil {
		return "", false, err
	}
	if !document.HasInlinePhoto() {
		return documentJSON, false, nil
	}
	stripped, err := document.WithoutInlinePhoto().Encode()
	if err != nil {
		return "", false, err
	}
	return stripped, true, nil
}

func (stored Record) toRemoteRecord() (RemoteRecord, error) {
	document, err := DecodeDocument(stored.DocumentJSON)
	if err != nil {
		return RemoteRecord{}, err
	}
	var settings *Settings
	if strings.TrimSpace(stored.SettingsJSON) != "" {
		settings = &Settings{}
		if err := json.Unmarshal([]byte(stored.SettingsJSON), settings); err != nil {
			return RemoteRecord{}, err
		}
	}
	return RemoteRecord{
		ID:        RecordID(stored.RecordID),
		UserID:    UserID(stored.UserID),
		Title:     stored.Title,
		Document:  document,
		Settings:  settings,
		UpdatedAt: time.Unix(stored.UpdatedAtSeconds, 0).UTC(),
	}, nil
}

func encodeSettings(settings *Settings) (string, error) {
	if settings == nil {
		return "", nil
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("cv service error", attrs...)
}
