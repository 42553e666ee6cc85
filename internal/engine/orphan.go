package engine

import (
	"time"

	"calsync/internal/config"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/vault"
)

const orphanReasonMissing = "missing from feed"

// sweepOrphans walks every active, identity-bearing document that went
// unmatched this cycle and applies the grace/quarantine policy. A document
// is only evaluated when its source is safely evaluable: its own source
// succeeded, or, when the source is unknown, every configured source
// succeeded. Documents outside the fetch window are left alone — their
// occurrences were never requested.
func (e *Engine) sweepOrphans(c *cycle) {
	for _, doc := range c.idx.docs {
		if c.idx.matched[doc.Path] || doc.Archived || !doc.Identified() {
			continue
		}
		if !e.sourceEvaluable(c, doc) {
			continue
		}
		if !e.inferredDateInWindow(c, doc) {
			continue
		}

		misses := e.state.IncrementMiss(doc.Path)
		c.sweepKept[doc.Path] = true

		if misses < e.cfg.GraceCycles {
			appLog.Warn("orphan candidate under grace",
				"path", doc.Path, "misses", misses, "grace", e.cfg.GraceCycles)
			continue
		}

		if e.cfg.IsLossPreventing() {
			e.quarantineDocument(c, doc, misses)
			continue
		}

		switch e.cfg.DeletePolicy {
		case config.DeletePolicyDelete:
			e.deleteDocument(c, doc)
		case config.DeletePolicyArchive:
			e.archiveDocument(c, doc, "orphaned")
			e.state.RecordTombstone(doc.EventID, e.now())
		case config.DeletePolicyNoop:
			appLog.Warn("orphaned document left in place by policy",
				"path", doc.Path, "misses", misses)
		}
	}
}

func (e *Engine) sourceEvaluable(c *cycle, doc *model.Document) bool {
	if doc.SourceURL != "" {
		if status, ok := c.statuses[doc.SourceURL]; ok {
			return status == model.SourceSucceeded
		}
	}
	// Source unknown: only safe when every configured source succeeded.
	return c.allOK
}

// inferredDateInWindow parses the stored start leniently; unparseable or
// absent dates make the document ineligible rather than orphaned.
func (e *Engine) inferredDateInWindow(c *cycle, doc *model.Document) bool {
	if doc.Start == "" {
		return false
	}
	start, ok := parseStoredTime(doc.Start)
	if !ok {
		return false
	}
	return !start.Before(c.windowStart) && !start.After(c.windowEnd)
}

// quarantineDocument stamps the three quarantine fields instead of deleting.
// The tracker entry is cleared: the action has been taken.
func (e *Engine) quarantineDocument(c *cycle, doc *model.Document, misses int) {
	keys := &e.cfg.FieldKeys
	now := e.now()

	alreadyStamped := doc.OrphanCandidateSince != "" && doc.OrphanMissCount >= misses
	if alreadyStamped {
		e.state.ClearMiss(doc.Path)
		delete(c.sweepKept, doc.Path)
		return
	}

	err := e.store.WriteFieldsMerge(doc.Path, func(f *vault.Fields) error {
		if !f.Has(keys.OrphanCandidate) {
			f.Set(keys.OrphanCandidate, now.Format(time.RFC3339))
		}
		f.SetInt(keys.OrphanMissCount, misses)
		f.Set(keys.OrphanReason, orphanReasonMissing)
		return nil
	})
	if err != nil {
		e.reportMutationFailure(doc.Path, err)
		c.summary.Errors++
		return
	}

	e.state.ClearMiss(doc.Path)
	delete(c.sweepKept, doc.Path)
	c.summary.Quarantined++
	appLog.Warn("document quarantined as orphan candidate",
		"path", doc.Path, "misses", misses)
}
