package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/clock"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/cv"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/localstore"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/remote"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/server"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/syncengine"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionCookieName    = "cvsync_session"
	sessionUserID        = "user-abc"
	quietPeriod          = 2 * time.Second
	suppressionWindow    = 3 * time.Second
)

type device struct {
	store  *localstore.Store
	engine *syncengine.Engine
	clock  *clock.Manual
}

func TestAuthAndSyncFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	testServer := newAPIServer(testContext)
	sessionToken := mustMintSessionToken(testContext, sessionSigningSecret, sessionUserID, time.Now())

	anonymous, err := http.Get(testServer.URL + "/cv")
	if err != nil {
		testContext.Fatalf("anonymous request failed: %v", err)
	}
	anonymous.Body.Close()
	if anonymous.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 without a session, got %d", anonymous.StatusCode)
	}

	laptop := newDevice(testContext, testServer.URL, sessionToken, "laptop")
	laptop.store.SetDocument(cv.Document{"personal": map[string]any{"name": "Ada"}})
	if err := laptop.engine.HandleAuthChange(ctx, sessionUserID); err != nil {
		testContext.Fatalf("laptop sign-in failed: %v", err)
	}
	if kind := laptop.engine.Status().Kind(); kind != syncengine.StatusSynced {
		testContext.Fatalf("expected laptop synced after first sign-in, got %s", kind)
	}
	if name := fetchName(testContext, testServer.URL, sessionToken); name != "Ada" {
		testContext.Fatalf("expected first record to carry the local document, got %q", name)
	}

	laptop.clock.Advance(suppressionWindow)
	laptop.store.SetDocument(cv.Document{"personal": map[string]any{"name": "Ada Lovelace"}})
	laptop.clock.Advance(quietPeriod)
	if name := fetchName(testContext, testServer.URL, sessionToken); name != "Ada Lovelace" {
		testContext.Fatalf("expected debounced edit to reach the API, got %q", name)
	}

	tablet := newDevice(testContext, testServer.URL, sessionToken, "tablet")
	tablet.store.SetDocument(cv.Document{"personal": map[string]any{"name": "Offline draft"}})
	if err := tablet.engine.HandleAuthChange(ctx, sessionUserID); err != nil {
		testContext.Fatalf("tablet sign-in failed: %v", err)
	}
	candidate, ok := tablet.engine.Candidate()
	if !ok {
		testContext.Fatalf("expected a conflict on the tablet, got %s", tablet.engine.Status().Kind())
	}
	if err := tablet.engine.Resolve(ctx, candidate, syncengine.SourceLocal); err != nil {
		testContext.Fatalf("resolve failed: %v", err)
	}
	if name := fetchName(testContext, testServer.URL, sessionToken); name != "Offline draft" {
		testContext.Fatalf("expected local-wins push to overwrite the cloud, got %q", name)
	}
	backup, saved, err := tablet.store.LoadBackup()
	if err != nil || !saved {
		testContext.Fatalf("expected a backup of the cloud version, saved=%t err=%v", saved, err)
	}
	if backup.DiscardedSource != syncengine.SourceCloud {
		testContext.Fatalf("unexpected discarded source: %s", backup.DiscardedSource)
	}
	if nameOf(backup.Data) != "Ada Lovelace" {
		testContext.Fatalf("unexpected backup contents: %#v", backup.Data)
	}

	phone := newDevice(testContext, testServer.URL, sessionToken, "phone")
	if err := phone.engine.HandleAuthChange(ctx, sessionUserID); err != nil {
		testContext.Fatalf("phone sign-in failed: %v", err)
	}
	if kind := phone.engine.Status().Kind(); kind != syncengine.StatusSynced {
		testContext.Fatalf("expected a pristine device to hydrate without conflict, got %s", kind)
	}
	if name := nameOf(phone.store.Document()); name != "Offline draft" {
		testContext.Fatalf("expected phone to hydrate the cloud document, got %q", name)
	}
	if phone.clock.Pending() != 0 {
		testContext.Fatalf("hydration must not schedule an echo write")
	}
	phone.clock.Advance(suppressionWindow)
	phone.store.SetDocument(cv.Document{"personal": map[string]any{"name": "Edited on phone"}})
	phone.clock.Advance(quietPeriod)
	if name := fetchName(testContext, testServer.URL, sessionToken); name != "Edited on phone" {
		testContext.Fatalf("expected edits after the suppression window to sync, got %q", name)
	}

	if err := laptop.engine.HandleAuthChange(ctx, ""); err != nil {
		testContext.Fatalf("sign-out failed: %v", err)
	}
	laptop.store.SetDocument(cv.Document{"personal": map[string]any{"name": "After sign-out"}})
	laptop.clock.Advance(quietPeriod)
	if name := fetchName(testContext, testServer.URL, sessionToken); name != "Edited on phone" {
		testContext.Fatalf("signed-out edits must stay local, got %q", name)
	}
}

func newAPIServer(testContext *testing.T) *httptest.Server {
	testContext.Helper()
	db, err := gorm.Open(sqlite.Open("file:integration-api?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&cv.Record{}, &users.Identity{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	cvService, err := cv.NewService(cv.ServiceConfig{
		Database:   db,
		IDProvider: cv.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build cv service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build user service: %v", err)
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		CookieName:    sessionCookieName,
	})
	if err != nil {
		testContext.Fatalf("failed to construct session validator: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		CVService:        cvService,
		UserService:      userService,
		Logger:           zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	testContext.Cleanup(testServer.Close)
	return testServer
}

func newDevice(testContext *testing.T, baseURL, token, name string) device {
	testContext.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:integration-%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open local sqlite: %v", err)
	}
	if err := db.AutoMigrate(localstore.Models()...); err != nil {
		testContext.Fatalf("failed to migrate local sqlite: %v", err)
	}
	store, err := localstore.Open(localstore.Config{Database: db, Profile: name})
	if err != nil {
		testContext.Fatalf("failed to open local store: %v", err)
	}
	client, err := remote.New(remote.Config{BaseURL: baseURL, Token: token})
	if err != nil {
		testContext.Fatalf("failed to build remote client: %v", err)
	}

	manual := clock.NewManual(time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC))
	engine, err := syncengine.New(syncengine.Config{
		Local:             store,
		Remote:            client,
		Backups:           store,
		Clock:             manual,
		QuietPeriod:       quietPeriod,
		SuppressionWindow: suppressionWindow,
		RequestTimeout:    5 * time.Second,
	})
	if err != nil {
		testContext.Fatalf("failed to build engine: %v", err)
	}
	unsubscribe := store.Subscribe(engine)
	testContext.Cleanup(func() {
		unsubscribe()
		engine.Close()
	})
	return device{store: store, engine: engine, clock: manual}
}

func fetchName(testContext *testing.T, baseURL, token string) string {
	testContext.Helper()
	request, err := http.NewRequest(http.MethodGet, baseURL+"/cv", http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("fetch request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected fetch status: %d", response.StatusCode)
	}
	var record cv.RemoteRecord
	if err := json.NewDecoder(response.Body).Decode(&record); err != nil {
		testContext.Fatalf("failed to decode record: %v", err)
	}
	return nameOf(record.Document)
}

func nameOf(document cv.Document) string {
	personal, _ := document["personal"].(map[string]any)
	name, _ := personal["name"].(string)
	return name
}

func mustMintSessionToken(testContext *testing.T, signingSecret, userID string, now time.Time) string {
	testContext.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    auth.DefaultSessionIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(signingSecret))
	if err != nil {
		testContext.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
