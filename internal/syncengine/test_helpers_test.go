package syncengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/clock"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/cv"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testQuiet       = 2 * time.Second
	testSuppression = 3 * time.Second
)

var errRemoteDown = errors.New("remote unavailable")

type changeListener interface {
	DocumentChanged()
	SettingsChanged()
}

// memoryLocal notifies its listener after releasing its own lock, the same way
// the persistent local store does.
type memoryLocal struct {
	mu       sync.Mutex
	document cv.Document
	settings cv.Settings
	listener changeListener
}

func (store *memoryLocal) Document() cv.Document {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.document.Clone()
}

func (store *memoryLocal) Settings() cv.Settings {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.settings
}

func (store *memoryLocal) SetDocument(document cv.Document) {
	store.mu.Lock()
	store.document = document.Clone()
	listener := store.listener
	store.mu.Unlock()
	if listener != nil {
		listener.DocumentChanged()
	}
}

func (store *memoryLocal) SetSettings(settings cv.Settings) {
	store.mu.Lock()
	store.settings = settings
	listener := store.listener
	store.mu.Unlock()
	if listener != nil {
		listener.SettingsChanged()
	}
}

type updateCall struct {
	RecordID cv.RecordID
	Patch    cv.UpdatePatch
}

type createCall struct {
	UserID   cv.UserID
	Document cv.Document
	Settings cv.Settings
	Title    string
}

// Remote calls other than fetches that can be held open with holdCall.
const (
	callEnsure = "ensure"
	callCreate = "create"
	callUpdate = "update"
)

type scriptedRemote struct {
	mu        sync.Mutex
	records   map[cv.UserID]*cv.RemoteRecord
	gates     map[cv.UserID]chan struct{}
	callGates map[string]chan struct{}
	started   chan cv.UserID
	calling   chan string
	fetchErr  error
	ensureOK  bool
	ensureErr error
	createErr error
	updateErr error
	fetches   []cv.UserID
	creates   []createCall
	updates   []updateCall
}

func newScriptedRemote() *scriptedRemote {
	return &scriptedRemote{
		records:  make(map[cv.UserID]*cv.RemoteRecord),
		gates:     make(map[cv.UserID]chan struct{}),
		callGates: make(map[string]chan struct{}),
		started:   make(chan cv.UserID, 8),
		calling:   make(chan string, 8),
		ensureOK:  true,
	}
}

func (remote *scriptedRemote) put(record cv.RemoteRecord) {
	remote.mu.Lock()
	defer remote.mu.Unlock()
	remote.records[record.UserID] = &record
}

// hold makes fetches for userID block until the returned release func runs.
func (remote *scriptedRemote) hold(userID cv.UserID) func() {
	gate := make(chan struct{})
	remote.mu.Lock()
	remote.gates[userID] = gate
	remote.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// holdCall makes every call of the named kind block until the returned
// release func runs or the request context ends.
func (remote *scriptedRemote) holdCall(name string) func() {
	gate := make(chan struct{})
	remote.mu.Lock()
	remote.callGates[name] = gate
	remote.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (remote *scriptedRemote) wait(ctx context.Context, name string) error {
	remote.mu.Lock()
	gate := remote.callGates[name]
	remote.mu.Unlock()
	select {
	case remote.calling <- name:
	default:
	}
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (remote *scriptedRemote) setFetchErr(err error) {
	remote.mu.Lock()
	defer remote.mu.Unlock()
	remote.fetchErr = err
}

func (remote *scriptedRemote) setUpdateErr(err error) {
	remote.mu.Lock()
	defer remote.mu.Unlock()
	remote.updateErr = err
}

func (remote *scriptedRemote) EnsureProfile(ctx context.Context, _ cv.UserID) (bool, error) {
	if err := remote.wait(ctx, callEnsure); err != nil {
		return false, err
	}
	remote.mu.Lock()
	defer remote.mu.Unlock()
	return remote.ensureOK, remote.ensureErr
}

func (remote *scriptedRemote) FetchUserCV(ctx context.Context, userID cv.UserID) (*cv.RemoteRecord, error) {
	remote.mu.Lock()
	remote.fetches = append(remote.fetches, userID)
	gate := remote.gates[userID]
	remote.mu.Unlock()

	select {
	case remote.started <- userID:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	remote.mu.Lock()
	defer remote.mu.Unlock()
	if remote.fetchErr != nil {
		return nil, remote.fetchErr
	}
	record, ok := remote.records[userID]
	if !ok {
		return nil, nil
	}
	copied := *record
	copied.Document = record.Document.Clone()
	return &copied, nil
}

func (remote *scriptedRemote) CreateCV(ctx context.Context, userID cv.UserID, document cv.Document, settings cv.Settings, title string) (*cv.RemoteRecord, error) {
	if err := remote.wait(ctx, callCreate); err != nil {
		return nil, err
	}
	remote.mu.Lock()
	defer remote.mu.Unlock()
	remote.creates = append(remote.creates, createCall{UserID: userID, Document: document.Clone(), Settings: settings, Title: title})
	if remote.createErr != nil {
		return nil, remote.createErr
	}
	record := cv.RemoteRecord{
		ID:       cv.RecordID("created-" + userID.String()),
		UserID:   userID,
		Title:    title,
		Document: document.Clone(),
		Settings: &settings,
	}
	remote.records[userID] = &record
	copied := record
	return &copied, nil
}

func (remote *scriptedRemote) UpdateCV(ctx context.Context, recordID cv.RecordID, patch cv.UpdatePatch) error {
	remote.mu.Lock()
	call := updateCall{RecordID: recordID, Patch: cv.UpdatePatch{Document: patch.Document.Clone()}}
	if patch.Settings != nil {
		settings := *patch.Settings
		call.Patch.Settings = &settings
	}
	remote.updates = append(remote.updates, call)
	updateErr := remote.updateErr
	remote.mu.Unlock()

	if err := remote.wait(ctx, callUpdate); err != nil {
		return err
	}
	return updateErr
}

func (remote *scriptedRemote) updateCalls() []updateCall {
	remote.mu.Lock()
	defer remote.mu.Unlock()
	return append([]updateCall(nil), remote.updates...)
}

func (remote *scriptedRemote) createCalls() []createCall {
	remote.mu.Lock()
	defer remote.mu.Unlock()
	return append([]createCall(nil), remote.creates...)
}

type recordingBackups struct {
	mu    sync.Mutex
	saved []Backup
	err   error
}

func (backups *recordingBackups) SaveBackup(backup Backup) error {
	backups.mu.Lock()
	defer backups.mu.Unlock()
	backups.saved = append(backups.saved, backup)
	return backups.err
}

func (backups *recordingBackups) count() int {
	backups.mu.Lock()
	defer backups.mu.Unlock()
	return len(backups.saved)
}

func (backups *recordingBackups) last(t *testing.T) Backup {
	t.Helper()
	backups.mu.Lock()
	defer backups.mu.Unlock()
	require.NotEmpty(t, backups.saved, "expected a backup to be written")
	return backups.saved[len(backups.saved)-1]
}

type harness struct {
	engine  *Engine
	local   *memoryLocal
	remote  *scriptedRemote
	backups *recordingBackups
	clock   *clock.Manual
	logs    *observer.ObservedLogs
}

func newHarness(t *testing.T, options ...func(*Config)) *harness {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	manual := clock.NewManual(time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC))
	local := &memoryLocal{}
	remote := newScriptedRemote()
	backups := &recordingBackups{}
	cfg := Config{
		Local:             local,
		Remote:            remote,
		Backups:           backups,
		Clock:             manual,
		QuietPeriod:       testQuiet,
		SuppressionWindow: testSuppression,
		Logger:            zap.New(core),
	}
	for _, option := range options {
		option(&cfg)
	}
	engine, err := New(cfg)
	require.NoError(t, err)
	local.listener = engine
	t.Cleanup(engine.Close)
	return &harness{engine: engine, local: local, remote: remote, backups: backups, clock: manual, logs: logs}
}

// edit writes to the local store the way the editor would.
func (h *harness) edit(document cv.Document) {
	h.local.SetDocument(document)
}

func (h *harness) remoteRecord(userID, recordID string, document cv.Document) cv.RemoteRecord {
	return cv.RemoteRecord{
		ID:        cv.RecordID(recordID),
		UserID:    cv.UserID(userID),
		Title:     "Remote CV",
		Document:  document,
		UpdatedAt: h.clock.Now().Add(-time.Hour),
	}
}

func named(name string) cv.Document {
	return cv.Document{cv.PersonalSectionKey: map[string]any{"name": name}}
}

func nameOf(document cv.Document) string {
	section, _ := document[cv.PersonalSectionKey].(map[string]any)
	name, _ := section["name"].(string)
	return name
}

func reasonField(reason string) zap.Field {
	return zap.String("reason", reason)
}
