package syncengine

import (
	"time"

	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/cv"
)

// StatusKind enumerates the reconciliation states exposed to the UI.
type StatusKind int

const (
	// StatusIdle means no authenticated user, or no load has started.
	StatusIdle StatusKind = iota
	// StatusLoading means a reconciliation is in flight or waiting for a retry.
	StatusLoading
	// StatusSynced means local and remote are reconciled and background writes are armed.
	StatusSynced
	// StatusConflict means the user must choose between diverging versions.
	StatusConflict
)

// String returns the lower-case state name.
func (kind StatusKind) String() string {
	switch kind {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSynced:
		return "synced"
	case StatusConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Status is the tagged reconciliation state. Only Conflicted carries a
// candidate, so a conflict without one cannot be represented.
type Status interface {
	Kind() StatusKind
	isStatus()
}

// Idle is the signed-out state.
type Idle struct{}

// Loading is the state while the remote record is fetched or created. Err is
// set when the last attempt failed; the engine then waits for Retry or a new
// auth transition.
type Loading struct {
	Err error
}

// Synced is the steady state. WriteErr is set when the most recent remote
// write failed; the next local edit retries with the latest data.
type Synced struct {
	WriteErr error
	At       time.Time
}

// Conflicted is the only interactive state.
type Conflicted struct {
	Candidate *ConflictCandidate
}

func (Idle) Kind() StatusKind       { return StatusIdle }
func (Loading) Kind() StatusKind    { return StatusLoading }
func (Synced) Kind() StatusKind     { return StatusSynced }
func (Conflicted) Kind() StatusKind { return StatusConflict }

func (Idle) isStatus()       {}
func (Loading) isStatus()    {}
func (Synced) isStatus()     {}
func (Conflicted) isStatus() {}

// Failed reports whether the status carries an error from the last remote call.
func Failed(status Status) error {
	switch typed := status.(type) {
	case Loading:
		return typed.Err
	case Synced:
		return typed.WriteErr
	default:
		return nil
	}
}

// Source names one side of a conflict.
type Source string

const (
	// SourceLocal is the locally edited version.
	SourceLocal Source = "local"
	// SourceCloud is the remote version.
	SourceCloud Source = "cloud"
)

// Valid reports whether the source is one of the known values.
func (source Source) Valid() bool {
	return source == SourceLocal || source == SourceCloud
}

// ConflictCandidate pairs the diverging versions offered to the user.
type ConflictCandidate struct {
	LocalDocument   cv.Document
	RemoteDocument  cv.Document
	RemoteRecord    cv.RemoteRecord
	RemoteSettings  *cv.Settings
	RemoteUpdatedAt time.Time

	session   *sessionContext
	resolving bool
}
