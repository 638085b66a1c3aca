// Package syncengine reconciles a locally edited CV with its remote copy.
//
// One Engine serves one local store. Auth transitions start a reconciliation
// that either hydrates the local store silently, creates the first remote
// record, or opens a conflict for the user to resolve. Once synced, local
// edits are written back through per-channel debounced writers.
//
// Transitions are serialized. Remote calls run without holding any lock, and
// their results are applied only if the session that issued them is still
// current.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/clock"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/cv"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/debounce"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/fingerprint"
	"go.uber.org/zap"
)

const (
	// DefaultSuppressionWindow is the post-hydration period in which local
	// edits do not arm debounced writes.
	DefaultSuppressionWindow = 3 * time.Second
	// DefaultTitle names records created on first sign-in.
	DefaultTitle = "My CV"
)

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("syncengine: engine closed")
	// ErrSuperseded indicates that a newer auth transition replaced the session.
	ErrSuperseded = errors.New("syncengine: session superseded")
	// ErrFetchFailed indicates that the remote record lookup failed.
	ErrFetchFailed = errors.New("syncengine: remote fetch failed")
	// ErrProfileUnavailable indicates that the remote profile could not be ensured.
	ErrProfileUnavailable = errors.New("syncengine: remote profile unavailable")
	// ErrCreateFailed indicates that the first remote record could not be created.
	ErrCreateFailed = errors.New("syncengine: remote create failed")
	// ErrPushFailed indicates that the local-wins write failed.
	ErrPushFailed = errors.New("syncengine: remote push failed")
	// ErrWriteFailed indicates that a debounced write failed.
	ErrWriteFailed = errors.New("syncengine: remote write failed")
	// ErrInvalidChoice indicates an unknown conflict resolution choice.
	ErrInvalidChoice = errors.New("syncengine: invalid resolution choice")

	errMissingLocalStore  = errors.New("local store is required")
	errMissingRemoteStore = errors.New("remote store is required")
)

const (
	opHandleAuth    = "syncengine.handle_auth"
	opReconcile     = "syncengine.reconcile"
	opFirstSignIn   = "syncengine.first_sign_in"
	opResolve       = "syncengine.resolve"
	opFlush         = "syncengine.flush"
	fieldUserID     = "user_id"
	fieldRecordID   = "record_id"
	fieldGeneration = "generation"
	fieldChannel    = "channel"
)

// Config describes an Engine and its collaborators.
type Config struct {
	Local   LocalStore
	Remote  RemoteStore
	Backups BackupStore

	Clock       clock.Clock
	QuietPeriod time.Duration
	// SuppressionWindow defaults to DefaultSuppressionWindow when zero.
	SuppressionWindow time.Duration
	// RequestTimeout bounds each remote call. Zero leaves only the caller's
	// context.
	RequestTimeout time.Duration
	Fingerprinter  *fingerprint.Fingerprinter
	// DefaultDocument is the pristine local document. A local document with
	// the same fingerprint counts as unedited.
	DefaultDocument cv.Document
	DefaultTitle    string
	Logger          *zap.Logger
}

// Engine is the sync state machine for one local store.
type Engine struct {
	// serial orders transitions. It is never held across a remote call.
	serial sync.Mutex

	// mu guards the fields below and the mutable members of sessionContext.
	mu         sync.Mutex
	session    *sessionContext
	generation int64
	status     Status
	closed     bool

	local         LocalStore
	remote        RemoteStore
	backups       BackupStore
	clock         clock.Clock
	scheduler     *debounce.Scheduler
	fingerprinter *fingerprint.Fingerprinter
	defaultDoc    cv.Document
	title         string
	suppression   time.Duration
	timeout       time.Duration
	feed          *statusFeed
	logger        *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New validates the configuration and constructs an idle Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Local == nil {
		return nil, errMissingLocalStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemoteStore
	}

	source := cfg.Clock
	if source == nil {
		source = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fingerprinter := cfg.Fingerprinter
	if fingerprinter == nil {
		fingerprinter = fingerprint.New(fingerprint.DefaultExclusions())
	}
	suppression := cfg.SuppressionWindow
	if suppression <= 0 {
		suppression = DefaultSuppressionWindow
	}
	title := strings.TrimSpace(cfg.DefaultTitle)
	if title == "" {
		title = DefaultTitle
	}
	defaultDoc := cfg.DefaultDocument
	if defaultDoc == nil {
		defaultDoc = cv.Document{}
	}
	if cfg.Backups == nil {
		logger.Warn("no backup store configured; conflict resolutions will not keep a safety-net copy")
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		status:  Idle{},
		local:   cfg.Local,
		remote:  cfg.Remote,
		backups: cfg.Backups,
		clock:   source,
		scheduler: debounce.New(debounce.Config{
			Clock:       source,
			QuietPeriod: cfg.QuietPeriod,
			Logger:      logger,
		}),
		fingerprinter: fingerprinter,
		defaultDoc:    defaultDoc.Clone(),
		title:         title,
		suppression:   suppression,
		timeout:       cfg.RequestTimeout,
		feed:          newStatusFeed(),
		logger:        logger,
		baseCtx:       baseCtx,
		cancelBase:    cancel,
	}, nil
}

// Status returns the current reconciliation status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Candidate returns the open conflict candidate, if any.
func (e *Engine) Candidate() (*ConflictCandidate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	conflicted, ok := e.status.(Conflicted)
	if !ok {
		return nil, false
	}
	return conflicted.Candidate, true
}

// RecordID returns the active remote identity, or "" when none is active.
func (e *Engine) RecordID() cv.RecordID {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil || !e.session.reconciled {
		return ""
	}
	return e.session.recordID
}

// Subscribe streams status changes until ctx is done or cleanup is called.
func (e *Engine) Subscribe(ctx context.Context) (<-chan StatusEvent, func()) {
	return e.feed.subscribe(ctx)
}

// HandleAuthChange reacts to the auth provider. An empty userID means signed
// out. A different non-empty userID starts a fresh reconciliation, which runs
// on the caller's goroutine until the first remote round trip completes.
func (e *Engine) HandleAuthChange(ctx context.Context, rawUserID string) error {
	trimmed := strings.TrimSpace(rawUserID)

	e.serial.Lock()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.serial.Unlock()
		return ErrClosed
	}

	if trimmed == "" {
		if e.session != nil {
			e.logger.Info("user signed out",
				zap.String(fieldUserID, e.session.userID.String()),
				zap.Int64(fieldGeneration, e.generation+1))
		}
		e.teardownLocked()
		e.mu.Unlock()
		e.serial.Unlock()
		return nil
	}

	userID, err := cv.NewUserID(trimmed)
	if err != nil {
		e.mu.Unlock()
		e.serial.Unlock()
		e.logError(opHandleAuth, "invalid_user_id", err)
		return err
	}
	if e.session != nil && e.session.userID == userID {
		e.mu.Unlock()
		e.serial.Unlock()
		return nil
	}

	session := e.beginSessionLocked(userID)
	e.mu.Unlock()
	e.serial.Unlock()

	e.logger.Info("user signed in",
		zap.String(fieldUserID, userID.String()),
		zap.Int64(fieldGeneration, session.generation))
	return e.reconcile(ctx, session)
}

// Retry re-runs reconciliation for the current identity after a failed fetch
// or create. It is a no-op in any other state.
func (e *Engine) Retry(ctx context.Context) error {
	e.serial.Lock()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.serial.Unlock()
		return ErrClosed
	}
	loading, ok := e.status.(Loading)
	if e.session == nil || !ok || loading.Err == nil {
		e.mu.Unlock()
		e.serial.Unlock()
		return nil
	}
	session := e.beginSessionLocked(e.session.userID)
	e.mu.Unlock()
	e.serial.Unlock()

	e.logger.Info("retrying reconciliation",
		zap.String(fieldUserID, session.userID.String()),
		zap.Int64(fieldGeneration, session.generation))
	return e.reconcile(ctx, session)
}

// DocumentChanged is called by the local store after a document mutation.
func (e *Engine) DocumentChanged() {
	e.localChanged(debounce.ChannelDocument)
}

// SettingsChanged is called by the local store after a settings mutation.
func (e *Engine) SettingsChanged() {
	e.localChanged(debounce.ChannelSettings)
}

// Close cancels pending writes, invalidates in-flight results and returns the
// engine to idle. Further auth transitions fail with ErrClosed.
func (e *Engine) Close() {
	e.serial.Lock()
	defer e.serial.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.teardownLocked()
	e.cancelBase()
}

func (e *Engine) localChanged(channel debounce.Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.status.Kind() != StatusSynced {
		return
	}
	session := e.session
	if !session.writesArmed(e.clock.Now()) {
		return
	}
	e.scheduleLocked(session, channel)
}

func (e *Engine) scheduleLocked(session *sessionContext, channel debounce.Channel) {
	e.scheduler.Schedule(channel, func() { e.flush(session, channel) })
}

// flush is the debounced writer. It reads the latest local value at fire time.
func (e *Engine) flush(session *sessionContext, channel debounce.Channel) {
	e.serial.Lock()
	e.mu.Lock()
	if !e.isCurrentLocked(session) || e.status.Kind() != StatusSynced || session.recordID == "" {
		e.mu.Unlock()
		e.serial.Unlock()
		return
	}
	recordID := session.recordID
	e.mu.Unlock()

	var patch cv.UpdatePatch
	switch channel {
	case debounce.ChannelDocument:
		patch.Document = e.local.Document().WithoutInlinePhoto()
	case debounce.ChannelSettings:
		settings := e.local.Settings()
		patch.Settings = &settings
	default:
		e.serial.Unlock()
		return
	}
	e.serial.Unlock()

	ctx, cancel := e.requestContext(e.baseCtx)
	err := e.remote.UpdateCV(ctx, recordID, patch)
	cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isCurrentLocked(session) || e.status.Kind() != StatusSynced {
		return
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrWriteFailed, err)
		e.logError(opFlush, "update_failed", err,
			zap.String(fieldUserID, session.userID.String()),
			zap.String(fieldRecordID, recordID.String()),
			zap.String(fieldChannel, string(channel)))
	} else {
		e.logger.Debug("debounced write stored",
			zap.String(fieldRecordID, recordID.String()),
			zap.String(fieldChannel, string(channel)))
	}
	e.setStatusLocked(Synced{WriteErr: err, At: e.clock.Now()})
}

func (e *Engine) reconcile(ctx context.Context, session *sessionContext) error {
	fetchCtx, cancel := e.requestContext(ctx)
	record, err := e.remote.FetchUserCV(fetchCtx, session.userID)
	cancel()
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrFetchFailed, err)
		e.logError(opReconcile, "fetch_failed", err,
			zap.String(fieldUserID, session.userID.String()),
			zap.Int64(fieldGeneration, session.generation))
		return e.failLoading(session, err)
	}
	if record != nil {
		if validationErr := record.Validate(); validationErr != nil {
			e.logger.Warn("remote record unusable; treating as absent",
				zap.String(fieldUserID, session.userID.String()),
				zap.Error(validationErr))
			record = nil
		}
	}
	if record == nil {
		return e.firstSignIn(ctx, session)
	}

	e.serial.Lock()
	defer e.serial.Unlock()
	if !e.isCurrent(session) {
		e.logger.Debug("discarding stale fetch result",
			zap.String(fieldUserID, session.userID.String()),
			zap.Int64(fieldGeneration, session.generation))
		return ErrSuperseded
	}

	local := e.local.Document()
	pristine := !e.fingerprinter.Differ(local, e.defaultDoc)
	if pristine || !e.fingerprinter.Differ(local, record.Document) {
		e.logger.Info("hydrating local store from remote",
			zap.String(fieldUserID, session.userID.String()),
			zap.String(fieldRecordID, record.ID.String()),
			zap.Bool("local_pristine", pristine))
		e.enterHydrated(session, record.ID)
		e.hydrate(*record, local)
		return nil
	}

	candidate := &ConflictCandidate{
		LocalDocument:   local.Clone(),
		RemoteDocument:  record.Document.Clone(),
		RemoteRecord:    *record,
		RemoteSettings:  record.Settings,
		RemoteUpdatedAt: record.UpdatedAt,
		session:         session,
	}
	e.logger.Info("local and remote versions diverge",
		zap.String(fieldUserID, session.userID.String()),
		zap.String(fieldRecordID, record.ID.String()),
		zap.Time("remote_updated_at", record.UpdatedAt))

	e.mu.Lock()
	e.setStatusLocked(Conflicted{Candidate: candidate})
	e.mu.Unlock()
	return nil
}

func (e *Engine) firstSignIn(ctx context.Context, session *sessionContext) error {
	if !e.isCurrent(session) {
		return ErrSuperseded
	}

	ensureCtx, cancelEnsure := e.requestContext(ctx)
	ensured, err := e.remote.EnsureProfile(ensureCtx, session.userID)
	cancelEnsure()
	if err != nil || !ensured {
		failure := fmt.Errorf("%w: ensured=%t err=%v", ErrProfileUnavailable, ensured, err)
		e.logError(opFirstSignIn, "ensure_profile_failed", failure,
			zap.String(fieldUserID, session.userID.String()))
		return e.failLoading(session, failure)
	}

	e.serial.Lock()
	if !e.isCurrent(session) {
		e.serial.Unlock()
		return ErrSuperseded
	}
	document := e.local.Document().WithoutInlinePhoto()
	settings := e.local.Settings()
	e.serial.Unlock()

	createCtx, cancelCreate := e.requestContext(ctx)
	record, err := e.remote.CreateCV(createCtx, session.userID, document, settings, e.title)
	cancelCreate()
	if err == nil && record == nil {
		err = errors.New("no record returned")
	}
	if err == nil {
		if _, idErr := cv.NewRecordID(record.ID.String()); idErr != nil {
			err = idErr
		}
	}
	if err != nil {
		failure := fmt.Errorf("%w: %v", ErrCreateFailed, err)
		e.logError(opFirstSignIn, "create_failed", failure,
			zap.String(fieldUserID, session.userID.String()))
		return e.failLoading(session, failure)
	}

	e.serial.Lock()
	defer e.serial.Unlock()
	if !e.isCurrent(session) {
		return ErrSuperseded
	}
	e.logger.Info("created first remote record",
		zap.String(fieldUserID, session.userID.String()),
		zap.String(fieldRecordID, record.ID.String()))

	e.mu.Lock()
	defer e.mu.Unlock()
	e.enterPushedLocked(session, record.ID, cv.UpdatePatch{Document: document, Settings: &settings}, nil)
	return nil
}

// hydrate copies a remote record into the local store. An inline photo held
// locally is carried forward when the remote copy has none.
func (e *Engine) hydrate(record cv.RemoteRecord, local cv.Document) {
	document := record.Document.Clone()
	if local.HasInlinePhoto() && document.Photo() == "" {
		document = document.WithPhoto(local.Photo())
	}
	if record.Settings != nil {
		e.local.SetSettings(*record.Settings)
	}
	e.local.SetDocument(document)
}

func (e *Engine) failLoading(session *sessionContext, err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isCurrentLocked(session) {
		return ErrSuperseded
	}
	e.setStatusLocked(Loading{Err: err})
	return err
}

// enterHydrated activates the session ahead of a hydration so that the
// resulting local-store notifications fall inside the suppression window.
func (e *Engine) enterHydrated(session *sessionContext, recordID cv.RecordID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	session.activate(recordID, now.Add(e.suppression))
	e.setStatusLocked(Synced{At: now})
}

// enterPushedLocked activates the session after local content was sent to the
// remote store. The suppression window applies as after a hydration; edits
// made while the request was in flight are scheduled regardless, since they
// differ from what was sent.
func (e *Engine) enterPushedLocked(session *sessionContext, recordID cv.RecordID, sent cv.UpdatePatch, writeErr error) {
	now := e.clock.Now()
	session.activate(recordID, now.Add(e.suppression))
	e.setStatusLocked(Synced{WriteErr: writeErr, At: now})
	if sent.Document != nil && e.fingerprinter.Differ(e.local.Document().WithoutInlinePhoto(), sent.Document) {
		e.scheduleLocked(session, debounce.ChannelDocument)
	}
	if sent.Settings != nil && e.local.Settings() != *sent.Settings {
		e.scheduleLocked(session, debounce.ChannelSettings)
	}
}

func (e *Engine) beginSessionLocked(userID cv.UserID) *sessionContext {
	e.invalidateLocked()
	session := &sessionContext{userID: userID, generation: e.generation}
	e.session = session
	e.setStatusLocked(Loading{})
	return session
}

// invalidateLocked moves the generation on and cancels pending debounced
// writes. Continuations holding the previous session become stale.
func (e *Engine) invalidateLocked() {
	e.generation++
	if cancelled := e.scheduler.CancelAll(); cancelled > 0 {
		e.logger.Info("cancelled pending writes", zap.Int("count", cancelled))
	}
	e.session = nil
}

func (e *Engine) teardownLocked() {
	e.invalidateLocked()
	e.setStatusLocked(Idle{})
}

func (e *Engine) isCurrent(session *sessionContext) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isCurrentLocked(session)
}

func (e *Engine) isCurrentLocked(session *sessionContext) bool {
	return !e.closed && session != nil && e.session == session && session.generation == e.generation
}

func (e *Engine) setStatusLocked(status Status) {
	e.status = status
	event := StatusEvent{
		Status:     status,
		Generation: e.generation,
		Timestamp:  e.clock.Now(),
	}
	if e.session != nil {
		event.UserID = e.session.userID
	}
	e.feed.publish(event)
}

func (e *Engine) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, e.timeout)
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("sync engine error", attrs...)
}
