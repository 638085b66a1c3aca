package syncengine

import (
	"time"

	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/cv"
)

// sessionContext is the state shared by transitions, debounced writers and
// async continuations for one signed-in identity. A new context is created
// for every auth transition or retry; callbacks holding an older pointer are
// stale and must not touch the stores.
//
// userID and generation never change. The remaining fields are guarded by
// Engine.mu.
type sessionContext struct {
	userID     cv.UserID
	generation int64

	recordID      cv.RecordID
	reconciled    bool
	suppressUntil time.Time
}

func (session *sessionContext) activate(recordID cv.RecordID, suppressUntil time.Time) {
	session.recordID = recordID
	session.reconciled = true
	session.suppressUntil = suppressUntil
}

func (session *sessionContext) writesArmed(now time.Time) bool {
	if session == nil {
		return false
	}
	if session.recordID == "" || !session.reconciled {
		return false
	}
	return !now.Before(session.suppressUntil)
}
