package engine

import (
	"path"
	"time"

	"calsync/internal/config"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/vault"
)

// cancelDocument runs the cancellation state machine for a matched, active
// document whose occurrence is now cancelled.
//
// States: Active, QuarantineCandidate, CancelledMarked, Archived, Deleted.
//   - Active -> Archived under loss-preventing mode with an archive
//     destination available.
//   - Active -> CancelledMarked under loss-preventing mode without one.
//   - Active -> Archived/Deleted under permissive mode, per delete policy.
//   - CancelledMarked is terminal absent external edits; re-observing the
//     same cancelled occurrence is a no-op.
func (e *Engine) cancelDocument(c *cycle, doc *model.Document, occ *model.Occurrence) {
	fields, err := e.store.ReadFields(doc.Path)
	if err != nil {
		e.reportMutationFailure(doc.Path, err)
		c.summary.Errors++
		return
	}
	keys := &e.cfg.FieldKeys

	if fields.GetString(keys.Status) == e.cfg.CancelledStatus {
		// Already CancelledMarked: terminal, no-op.
		return
	}

	if e.cfg.IsLossPreventing() {
		if e.cfg.ArchiveFolder != "" {
			e.archiveDocument(c, doc, "cancelled")
			return
		}
		e.markCancelled(c, doc)
		return
	}

	// Permissive mode: the configured delete policy decides.
	switch e.cfg.DeletePolicy {
	case config.DeletePolicyDelete:
		e.deleteDocument(c, doc)
	case config.DeletePolicyArchive:
		e.archiveDocument(c, doc, "cancelled")
	case config.DeletePolicyNoop:
		// Keep the document untouched.
	}
}

// markCancelled stamps the document as CancelledMarked in place: status set
// to the configured cancelled value, previous status preserved once,
// cancellation timestamp stamped, quarantine markers cleared.
func (e *Engine) markCancelled(c *cycle, doc *model.Document) {
	keys := &e.cfg.FieldKeys
	now := e.now()

	err := e.store.WriteFieldsMerge(doc.Path, func(f *vault.Fields) error {
		if prev := f.GetString(keys.Status); prev != "" && !f.Has(keys.PreviousStatus) {
			f.Set(keys.PreviousStatus, prev)
		}
		f.Set(keys.Status, e.cfg.CancelledStatus)
		f.Set(keys.CancelledAt, now.Format(time.RFC3339))
		f.Delete(keys.OrphanCandidate)
		f.Delete(keys.OrphanMissCount)
		f.Delete(keys.OrphanReason)
		return nil
	})
	if err != nil {
		e.reportMutationFailure(doc.Path, err)
		c.summary.Errors++
		return
	}

	e.state.ClearMiss(doc.Path)
	c.summary.Updated++
	appLog.Info("document marked cancelled", "path", doc.Path)
}

// archiveDocument stamps the archived flag and moves the document to the
// archive destination.
func (e *Engine) archiveDocument(c *cycle, doc *model.Document, reason string) {
	if !e.mutationAllowed(doc.Path) {
		c.summary.Errors++
		return
	}
	keys := &e.cfg.FieldKeys
	now := e.now()

	err := e.store.WriteFieldsMerge(doc.Path, func(f *vault.Fields) error {
		f.SetBool(keys.Archived, true)
		if reason == "cancelled" {
			f.Set(keys.CancelledAt, now.Format(time.RFC3339))
		}
		f.Delete(keys.OrphanCandidate)
		f.Delete(keys.OrphanMissCount)
		f.Delete(keys.OrphanReason)
		return nil
	})
	if err != nil {
		e.reportMutationFailure(doc.Path, err)
		c.summary.Errors++
		return
	}

	dest := doc.Path
	if e.cfg.ArchiveFolder != "" {
		moved, merr := e.store.Move(doc.Path, path.Join(e.cfg.ArchiveFolder, path.Base(doc.Path)))
		if merr != nil {
			appLog.Error("archive move failed", merr, "path", doc.Path)
			c.summary.Errors++
			return
		}
		dest = moved
	}

	e.state.ClearMiss(doc.Path)
	doc.Archived = true
	doc.Path = dest
	c.summary.Archived++
	appLog.Info("document archived", "path", dest, "reason", reason)
}

// deleteDocument removes the document and records a deletion tombstone so a
// re-appearing occurrence with the same id is not recreated within the TTL.
func (e *Engine) deleteDocument(c *cycle, doc *model.Document) {
	if !e.mutationAllowed(doc.Path) {
		c.summary.Errors++
		return
	}
	if err := e.store.Delete(doc.Path); err != nil {
		appLog.Error("document delete failed", err, "path", doc.Path)
		c.summary.Errors++
		return
	}

	e.state.ClearMiss(doc.Path)
	e.state.RecordTombstone(doc.EventID, e.now())
	c.summary.Deleted++
	appLog.Info("document deleted", "path", doc.Path, "event_id", doc.EventID)
}
