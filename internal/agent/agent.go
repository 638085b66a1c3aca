// Package agent runs the sync engine against a device-local store on behalf
// of one signed-in user.
package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/clock"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/localstore"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/syncengine"
	"go.uber.org/zap"
)

// DefaultPollInterval is how often the local database is checked for edits
// made by other processes.
const DefaultPollInterval = time.Second

var (
	// ErrUnresolvedConflict is returned when reconciliation opened a conflict
	// and no preferred side was given.
	ErrUnresolvedConflict = errors.New("agent: conflict requires a preferred side")

	errMissingStore  = errors.New("agent: local store is required")
	errMissingRemote = errors.New("agent: remote store is required")
	errMissingUser   = errors.New("agent: user id is required")
)

// Config describes an Agent.
type Config struct {
	Store  *localstore.Store
	Remote syncengine.RemoteStore

	Clock             clock.Clock
	QuietPeriod       time.Duration
	SuppressionWindow time.Duration
	RequestTimeout    time.Duration
	PollInterval      time.Duration
	DefaultTitle      string
	Logger            *zap.Logger
}

// SyncOptions controls one Sync run.
type SyncOptions struct {
	UserID string
	// Prefer resolves an opened conflict. Empty leaves the conflict open and
	// fails the run with ErrUnresolvedConflict.
	Prefer syncengine.Source
	// Once stops after reconciliation instead of watching for edits.
	Once bool
}

// Agent owns an engine subscribed to a local store.
type Agent struct {
	store        *localstore.Store
	engine       *syncengine.Engine
	unsubscribe  func()
	pollInterval time.Duration
	logger       *zap.Logger
}

// New builds the engine and subscribes it to the store.
func New(cfg Config) (*Agent, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	engine, err := syncengine.New(syncengine.Config{
		Local:             cfg.Store,
		Remote:            cfg.Remote,
		Backups:           cfg.Store,
		Clock:             cfg.Clock,
		QuietPeriod:       cfg.QuietPeriod,
		SuppressionWindow: cfg.SuppressionWindow,
		RequestTimeout:    cfg.RequestTimeout,
		DefaultTitle:      cfg.DefaultTitle,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	return &Agent{
		store:        cfg.Store,
		engine:       engine,
		unsubscribe:  cfg.Store.Subscribe(engine),
		pollInterval: pollInterval,
		logger:       logger.With(zap.String("profile", cfg.Store.Profile())),
	}, nil
}

// Engine exposes the underlying sync engine.
func (a *Agent) Engine() *syncengine.Engine {
	return a.engine
}

// Sync signs the user in, settles any conflict with opts.Prefer and then,
// unless opts.Once is set, polls the local database until ctx is done.
// The session is signed out before Sync returns.
func (a *Agent) Sync(ctx context.Context, opts SyncOptions) error {
	if strings.TrimSpace(opts.UserID) == "" {
		return errMissingUser
	}
	if opts.Prefer != "" && !opts.Prefer.Valid() {
		return syncengine.ErrInvalidChoice
	}

	watchCtx, stopWatching := context.WithCancel(ctx)
	defer stopWatching()
	events, cleanup := a.engine.Subscribe(watchCtx)
	defer cleanup()
	go a.logStatus(watchCtx, events)

	defer a.signOut()

	reconcileErr := a.engine.HandleAuthChange(ctx, opts.UserID)
	if reconcileErr != nil && (opts.Once || errors.Is(reconcileErr, syncengine.ErrSuperseded)) {
		return reconcileErr
	}
	if reconcileErr != nil {
		a.logger.Warn("reconciliation failed; retrying on the next poll", zap.Error(reconcileErr))
	}

	if err := a.settleConflict(ctx, opts.Prefer); err != nil {
		return err
	}

	if opts.Once {
		return syncengine.Failed(a.engine.Status())
	}
	return a.poll(ctx)
}

// Close detaches the engine from the store and stops it.
func (a *Agent) Close() {
	a.unsubscribe()
	a.engine.Close()
}

func (a *Agent) settleConflict(ctx context.Context, prefer syncengine.Source) error {
	candidate, ok := a.engine.Candidate()
	if !ok {
		return nil
	}
	if prefer == "" {
		a.logger.Warn("local and cloud versions differ",
			zap.Time("cloud_updated_at", candidate.RemoteUpdatedAt),
			zap.String("record_id", candidate.RemoteRecord.ID.String()))
		return ErrUnresolvedConflict
	}
	a.logger.Info("resolving conflict", zap.String("keep", string(prefer)))
	return a.engine.Resolve(ctx, candidate, prefer)
}

func (a *Agent) poll(ctx context.Context) error {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := a.store.Reload(); err != nil {
			a.logger.Warn("local reload failed", zap.Error(err))
		}
		if _, loading := a.engine.Status().(syncengine.Loading); loading && syncengine.Failed(a.engine.Status()) != nil {
			if err := a.engine.Retry(ctx); err != nil && !errors.Is(err, syncengine.ErrSuperseded) {
				a.logger.Warn("retry failed", zap.Error(err))
			}
		}
	}
}

func (a *Agent) signOut() {
	if err := a.engine.HandleAuthChange(context.Background(), ""); err != nil && !errors.Is(err, syncengine.ErrClosed) {
		a.logger.Warn("sign out failed", zap.Error(err))
	}
}

func (a *Agent) logStatus(ctx context.Context, events <-chan syncengine.StatusEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			fields := []zap.Field{
				zap.String("status", event.Status.Kind().String()),
				zap.String("user_id", event.UserID.String()),
				zap.Int64("generation", event.Generation),
			}
			if err := syncengine.Failed(event.Status); err != nil {
				fields = append(fields, zap.Error(err))
			}
			a.logger.Info("sync status changed", fields...)
		}
	}
}
