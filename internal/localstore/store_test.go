package localstore

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/cv"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/syncengine"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func mustDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(Models()...))
	return db
}

func fixedClock() time.Time {
	return time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
}

type countingListener struct {
	documents int
	settings  int
}

func (listener *countingListener) DocumentChanged() { listener.documents++ }
func (listener *countingListener) SettingsChanged() { listener.settings++ }

func TestStorePersistsAcrossReopen(t *testing.T) {
	db := mustDatabase(t)
	store, err := Open(Config{Database: db, Clock: fixedClock})
	require.NoError(t, err)
	assert.Empty(t, store.Document())

	document := cv.Document{"personal": map[string]any{"name": "Ada"}}
	store.SetDocument(document)
	store.SetSettings(cv.Settings{Theme: "dark", Pattern: cv.PatternSettings{Enabled: true, Opacity: 0.4}})

	reopened, err := Open(Config{Database: db, Clock: fixedClock})
	require.NoError(t, err)
	assert.Equal(t, "Ada", reopened.Document()["personal"].(map[string]any)["name"])
	assert.Equal(t, "dark", reopened.Settings().Theme)
	assert.InDelta(t, 0.4, reopened.Settings().Pattern.Opacity, 1e-9)
}

func TestStoreProfilesAreIsolated(t *testing.T) {
	db := mustDatabase(t)
	work, err := Open(Config{Database: db, Profile: "work"})
	require.NoError(t, err)
	personal, err := Open(Config{Database: db, Profile: "personal"})
	require.NoError(t, err)

	work.SetDocument(cv.Document{"title": "work"})

	reopened, err := Open(Config{Database: db, Profile: "personal"})
	require.NoError(t, err)
	assert.Empty(t, reopened.Document())
	assert.Empty(t, personal.Document())
	assert.Equal(t, "work", work.Profile())
}

func TestStoreNotifiesListeners(t *testing.T) {
	store, err := Open(Config{Database: mustDatabase(t)})
	require.NoError(t, err)
	listener := &countingListener{}
	unsubscribe := store.Subscribe(listener)

	store.SetDocument(cv.Document{"a": 1.0})
	store.SetSettings(cv.Settings{Locale: "fr"})
	assert.Equal(t, 1, listener.documents)
	assert.Equal(t, 1, listener.settings)

	unsubscribe()
	unsubscribe()
	store.SetDocument(cv.Document{"a": 2.0})
	assert.Equal(t, 1, listener.documents)
}

func TestStoreReturnsCopies(t *testing.T) {
	store, err := Open(Config{Database: mustDatabase(t)})
	require.NoError(t, err)
	store.SetDocument(cv.Document{"personal": map[string]any{"name": "Ada"}})

	snapshot := store.Document()
	snapshot["personal"].(map[string]any)["name"] = "Mutated"
	assert.Equal(t, "Ada", store.Document()["personal"].(map[string]any)["name"])
}

func TestStoreLogsPersistenceFailures(t *testing.T) {
	db := mustDatabase(t)
	core, logs := observer.New(zap.ErrorLevel)
	store, err := Open(Config{Database: db, Logger: zap.New(core)})
	require.NoError(t, err)
	require.NoError(t, db.Migrator().DropTable(&DocumentRow{}))

	store.SetDocument(cv.Document{"name": "kept in memory"})

	assert.Equal(t, "kept in memory", store.Document()["name"])
	assert.Equal(t, 1, logs.FilterField(zap.String("reason", "persist_document")).Len())
}

func TestBackupSlotIsOverwritten(t *testing.T) {
	store, err := Open(Config{Database: mustDatabase(t), Clock: fixedClock})
	require.NoError(t, err)

	_, found, err := store.LoadBackup()
	require.NoError(t, err)
	assert.False(t, found)

	first := syncengine.Backup{
		Data:            cv.Document{"name": "first"},
		Reason:          syncengine.BackupReason,
		DiscardedSource: syncengine.SourceLocal,
		Timestamp:       fixedClock(),
	}
	require.NoError(t, store.SaveBackup(first))
	second := syncengine.Backup{
		Data:            cv.Document{"name": "second"},
		DiscardedSource: syncengine.SourceCloud,
		Timestamp:       fixedClock().Add(time.Minute),
	}
	require.NoError(t, store.SaveBackup(second))

	loaded, found, err := store.LoadBackup()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "second", loaded.Data["name"])
	assert.Equal(t, syncengine.SourceCloud, loaded.DiscardedSource)
	assert.Equal(t, syncengine.BackupReason, loaded.Reason)
	assert.True(t, loaded.Timestamp.Equal(second.Timestamp))

	var count int64
	require.NoError(t, store.db.Model(&BackupRow{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestOpenRequiresDatabase(t *testing.T) {
	_, err := Open(Config{})
	require.True(t, errors.Is(err, errMissingDatabase))
}

func TestReloadPicksUpExternalWrites(t *testing.T) {
	db := mustDatabase(t)
	watcher, err := Open(Config{Database: db})
	require.NoError(t, err)
	listener := &countingListener{}
	watcher.Subscribe(listener)

	changed, err := watcher.Reload()
	require.NoError(t, err)
	assert.False(t, changed)

	editor, err := Open(Config{Database: db})
	require.NoError(t, err)
	editor.SetDocument(cv.Document{"name": "edited elsewhere"})

	changed, err = watcher.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "edited elsewhere", watcher.Document()["name"])
	assert.Equal(t, 1, listener.documents)
	assert.Equal(t, 0, listener.settings)

	changed, err = watcher.Reload()
	require.NoError(t, err)
	assert.False(t, changed, "an unchanged row must not notify again")
	assert.Equal(t, 1, listener.documents)
}

func TestReloadNeverRevertsConcurrentWrites(t *testing.T) {
	db := mustDatabase(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	store, err := Open(Config{Database: db})
	require.NoError(t, err)

	const writes = 100
	done := make(chan struct{})
	go func() {
		defer close(done)
		for index := 1; index <= writes; index++ {
			store.SetDocument(cv.Document{"revision": float64(index)})
		}
	}()

	for reloading := true; reloading; {
		select {
		case <-done:
			reloading = false
		default:
			_, reloadErr := store.Reload()
			require.NoError(t, reloadErr)
		}
	}

	changed, err := store.Reload()
	require.NoError(t, err)
	assert.False(t, changed, "memory and the stored row must agree once writes return")
	assert.Equal(t, float64(writes), store.Document()["revision"])

	reopened, err := Open(Config{Database: db})
	require.NoError(t, err)
	assert.Equal(t, float64(writes), reopened.Document()["revision"])
}
