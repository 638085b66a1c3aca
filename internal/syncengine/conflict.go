package syncengine

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/cv"
	"go.uber.org/zap"
)

// Resolve settles the open conflict in favour of choice. The losing version
// is written to the backup slot first; a backup failure is logged and the
// resolution proceeds.
//
// Choosing SourceCloud hydrates the local store from the remote record.
// Choosing SourceLocal pushes the full local document and settings at once,
// without waiting for the debounce period. Calls for a candidate that is no
// longer open, or that is already being resolved, return nil without effect.
func (e *Engine) Resolve(ctx context.Context, candidate *ConflictCandidate, choice Source) error {
	if !choice.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidChoice, choice)
	}
	if candidate == nil {
		return nil
	}

	e.serial.Lock()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.serial.Unlock()
		return ErrClosed
	}
	open, ok := e.status.(Conflicted)
	if !ok || open.Candidate != candidate || candidate.resolving || !e.isCurrentLocked(candidate.session) {
		e.mu.Unlock()
		e.serial.Unlock()
		return nil
	}
	candidate.resolving = true
	session := candidate.session
	e.mu.Unlock()

	local := e.local.Document()
	e.saveBackup(session, candidate, choice, local)

	e.logger.Info("resolving conflict",
		zap.String(fieldUserID, session.userID.String()),
		zap.String(fieldRecordID, candidate.RemoteRecord.ID.String()),
		zap.String("choice", string(choice)))

	if choice == SourceCloud {
		defer e.serial.Unlock()
		e.enterHydrated(session, candidate.RemoteRecord.ID)
		e.hydrate(candidate.RemoteRecord, local)
		return nil
	}

	patch := cv.UpdatePatch{Document: local.WithoutInlinePhoto()}
	settings := e.local.Settings()
	patch.Settings = &settings
	e.serial.Unlock()

	requestCtx, cancel := e.requestContext(ctx)
	pushErr := e.remote.UpdateCV(requestCtx, candidate.RemoteRecord.ID, patch)
	cancel()

	e.serial.Lock()
	defer e.serial.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isCurrentLocked(session) {
		return ErrSuperseded
	}
	if pushErr != nil {
		pushErr = fmt.Errorf("%w: %v", ErrPushFailed, pushErr)
		e.logError(opResolve, "push_failed", pushErr,
			zap.String(fieldUserID, session.userID.String()),
			zap.String(fieldRecordID, candidate.RemoteRecord.ID.String()))
	}
	e.enterPushedLocked(session, candidate.RemoteRecord.ID, patch, pushErr)
	return pushErr
}

func (e *Engine) saveBackup(session *sessionContext, candidate *ConflictCandidate, choice Source, local cv.Document) {
	backup := Backup{
		Reason:    BackupReason,
		Timestamp: e.clock.Now(),
	}
	if choice == SourceCloud {
		backup.Data = local.Clone()
		backup.DiscardedSource = SourceLocal
	} else {
		backup.Data = candidate.RemoteDocument.Clone()
		backup.DiscardedSource = SourceCloud
	}
	if e.backups == nil {
		return
	}
	if err := e.backups.SaveBackup(backup); err != nil {
		e.logError(opResolve, "backup_failed", err,
			zap.String(fieldUserID, session.userID.String()),
			zap.String("discarded_source", string(backup.DiscardedSource)))
	}
}
