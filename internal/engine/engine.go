package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"calsync/internal/config"
	"calsync/internal/feed"
	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/vault"
)

// ErrRunInProgress is returned when Reconcile is invoked while a prior run
// is still active. The call is a recorded no-op, never queued.
var ErrRunInProgress = errors.New("reconcile already in progress")

// FeedSource fetches and normalizes one source for one window. Satisfied by
// *feed.Fetcher; tests substitute a stub.
type FeedSource interface {
	Fetch(ctx context.Context, src ics.Source, windowStart, windowEnd time.Time, includeCancelled, forceRefresh bool) feed.Result
}

// DocumentStore is the document-store collaborator the engine mutates
// through. Satisfied by *vault.Store.
type DocumentStore interface {
	List(ctx context.Context) ([]string, error)
	ReadRaw(path string) ([]byte, error)
	ReadFields(path string) (*vault.Fields, error)
	WriteFieldsMerge(path string, mutate func(*vault.Fields) error) error
	Create(path string, fields *vault.Fields, body []byte) error
	Delete(path string) error
	Move(from, to string) (string, error)
	Exists(path string) bool
}

// Engine consumes the occurrence stream and the document index and decides
// per-occurrence create/update/archive/quarantine actions, then runs the
// orphan sweep. One instance owns one vault.
type Engine struct {
	cfg     *config.Config
	fetcher FeedSource
	store   DocumentStore
	state   *OrphanState

	// now is the engine's clock; tests pin it.
	now func() time.Time

	running atomic.Bool

	// warnedMalformed keeps the one-warning-per-path promise for documents
	// whose metadata the safety gate refuses to touch.
	warnedMalformed map[string]bool
}

// New builds an Engine. state may be shared across cycles but never across
// vaults.
func New(cfg *config.Config, fetcher FeedSource, store DocumentStore, state *OrphanState) *Engine {
	return &Engine{
		cfg:             cfg,
		fetcher:         fetcher,
		store:           store,
		state:           state,
		now:             time.Now,
		warnedMalformed: make(map[string]bool),
	}
}

// cycle carries the per-run working set. It is rebuilt from scratch every
// cycle; the in-memory index built here is the authoritative state for the
// run.
type cycle struct {
	windowStart time.Time
	windowEnd   time.Time
	force       bool

	idx        *docIndex
	statuses   map[string]model.SourceStatus // by normalized source URL
	srcByURL   map[string]*config.SourceConfig
	allOK      bool
	seenIDs    map[string]bool
	seenFB     map[string]bool
	sweepKept  map[string]bool // tracker entries that survive GC
	summary    model.Summary
}

// Reconcile runs one full cycle: fetch, match, mutate, sweep. Single-flight:
// a call while a prior run is active returns ErrRunInProgress without doing
// anything.
func (e *Engine) Reconcile(ctx context.Context, force bool) (model.Summary, error) {
	if !e.running.CompareAndSwap(false, true) {
		appLog.Debug("reconcile dropped, run already in progress")
		return model.Summary{}, ErrRunInProgress
	}
	defer e.running.Store(false)

	started := e.now()
	e.state.Prune(started)

	c := &cycle{
		windowStart: started.AddDate(0, 0, -e.cfg.WindowDaysBack),
		windowEnd:   started.AddDate(0, 0, e.cfg.WindowDaysAhead),
		force:       force,
		statuses:    make(map[string]model.SourceStatus),
		srcByURL:    make(map[string]*config.SourceConfig),
		seenIDs:     make(map[string]bool),
		seenFB:      make(map[string]bool),
		sweepKept:   make(map[string]bool),
	}

	occurrences := e.fetchSources(ctx, c)

	docs, err := e.loadDocuments(ctx)
	if err != nil {
		return c.summary, fmt.Errorf("loading documents: %w", err)
	}
	c.idx = newDocIndex(docs)

	for i := range occurrences {
		e.processOccurrence(c, &occurrences[i])
	}

	e.sweepOrphans(c)
	e.state.GC(c.sweepKept)

	c.summary.Duration = e.now().Sub(started)
	if c.summary.Changed() {
		appLog.Info("reconcile summary",
			"created", c.summary.Created,
			"updated", c.summary.Updated,
			"archived", c.summary.Archived,
			"deleted", c.summary.Deleted,
			"quarantined", c.summary.Quarantined,
			"restored", c.summary.Restored,
			"sources_ok", c.summary.SourcesOK,
			"sources", c.summary.Sources,
			"duration", c.summary.Duration,
		)
	}
	return c.summary, nil
}

// fetchSources fetches every enabled source sequentially. One source's
// failure contributes zero occurrences and a failed status, and never
// aborts the cycle.
func (e *Engine) fetchSources(ctx context.Context, c *cycle) []model.Occurrence {
	var all []model.Occurrence
	c.allOK = true

	for i := range e.cfg.Sources {
		src := &e.cfg.Sources[i]
		url := feed.NormalizeURL(src.URL)
		c.srcByURL[url] = src
		c.summary.Sources++

		if !src.IsEnabled() {
			// Disabled sources are not evaluated this cycle; their documents
			// must not be swept.
			c.statuses[url] = model.SourceFailed
			c.allOK = false
			continue
		}

		res := e.fetcher.Fetch(ctx, ics.Source{ID: src.ID, URL: src.URL},
			c.windowStart, c.windowEnd, e.cfg.IsIncludeCancelled(), c.force)
		if !res.OK {
			appLog.Warn("source fetch failed, skipping its occurrences",
				"id", src.ID, "url", ics.RedactURL(url), "status", res.StatusCode, "err", res.Err)
			c.statuses[url] = model.SourceFailed
			c.allOK = false
			c.summary.Errors++
			continue
		}

		c.statuses[url] = model.SourceSucceeded
		c.summary.SourcesOK++
		all = append(all, res.Occurrences...)
	}
	return all
}

// loadDocuments enumerates the vault and maps each readable document into
// the engine's view. Malformed documents are skipped with a one-time
// warning; they stay invisible to matching and sweeping.
func (e *Engine) loadDocuments(ctx context.Context) ([]*model.Document, error) {
	paths, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}

	docs := make([]*model.Document, 0, len(paths))
	for _, p := range paths {
		fields, err := e.store.ReadFields(p)
		if err != nil {
			if errors.Is(err, vault.ErrMalformedMetadata) {
				e.warnMalformedOnce(p)
				continue
			}
			appLog.Warn("document unreadable, skipping", "path", p, "err", err)
			continue
		}
		docs = append(docs, e.documentFromFields(p, fields))
	}
	return docs, nil
}

func (e *Engine) documentFromFields(p string, f *vault.Fields) *model.Document {
	keys := &e.cfg.FieldKeys
	return &model.Document{
		Path:                 p,
		EventID:              f.GetString(keys.EventID),
		SeriesUID:            f.GetString(keys.SeriesUID),
		Start:                f.GetString(keys.Start),
		End:                  f.GetString(keys.End),
		Title:                f.GetString(keys.Title),
		Location:             f.GetString(keys.Location),
		SourceURL:            f.GetString(keys.SourceURL),
		OrphanCandidateSince: f.GetString(keys.OrphanCandidate),
		OrphanMissCount:      f.GetInt(keys.OrphanMissCount),
		Archived:             f.GetBool(keys.Archived),
	}
}

// processOccurrence decides and applies the action for one occurrence.
// Any panic is contained: one bad item must never abort the cycle.
func (e *Engine) processOccurrence(c *cycle, occ *model.Occurrence) {
	defer func() {
		if r := recover(); r != nil {
			appLog.Error("occurrence processing panicked",
				fmt.Errorf("panic: %v", r), "occurrence_id", occ.ID)
			c.summary.Errors++
		}
	}()

	// First-wins dedup by id and by fallback key across all sources.
	fb := occurrenceFallbackKey(occ)
	if c.seenIDs[occ.ID] || c.seenFB[fb] {
		return
	}
	c.seenIDs[occ.ID] = true
	c.seenFB[fb] = true

	doc := c.idx.byID[occ.ID]
	repair := false
	if doc == nil {
		if cand := c.idx.byFallback[fb]; cand != nil && !cand.Archived {
			// The stored id drifted; a fallback match implies an identity
			// repair.
			doc = cand
			repair = true
		}
	}

	if doc == nil {
		e.handleUnmatched(c, occ)
		return
	}

	c.idx.matched[doc.Path] = true
	e.state.ClearMiss(doc.Path)

	if doc.Archived {
		// Matched but archived: checked only to avoid resurrection.
		c.summary.Skipped++
		return
	}

	if occ.Cancelled {
		e.cancelDocument(c, doc, occ)
		return
	}

	e.updateDocument(c, doc, occ, repair)
}

// updateDocument diffs stored string fields against the occurrence and
// writes only what changed. Unchanged documents with no pending repair are
// the idempotent fast path: zero I/O.
func (e *Engine) updateDocument(c *cycle, doc *model.Document, occ *model.Occurrence, repair bool) {
	keys := &e.cfg.FieldKeys
	restore := doc.OrphanCandidateSince != "" || doc.OrphanMissCount != 0

	type change struct{ key, value string }
	var changes []change

	if v := renderStart(occ); doc.Start != v {
		changes = append(changes, change{keys.Start, v})
	}
	if v := renderEnd(occ); doc.End != v {
		changes = append(changes, change{keys.End, v})
	}
	// Title and location only fill gaps; a user's edit is never clobbered.
	if doc.Title == "" && occ.Title != "" {
		changes = append(changes, change{keys.Title, occ.Title})
	}
	if doc.Location == "" && occ.Location != "" {
		changes = append(changes, change{keys.Location, occ.Location})
	}
	if occ.SourceURL != "" && doc.SourceURL != occ.SourceURL {
		changes = append(changes, change{keys.SourceURL, occ.SourceURL})
	}
	if repair {
		changes = append(changes, change{keys.EventID, occ.ID})
		if doc.SeriesUID == "" && occ.SeriesUID != "" {
			changes = append(changes, change{keys.SeriesUID, occ.SeriesUID})
		}
	}

	if len(changes) == 0 && !restore && !c.force {
		return
	}

	err := e.store.WriteFieldsMerge(doc.Path, func(f *vault.Fields) error {
		for _, ch := range changes {
			f.Set(ch.key, ch.value)
		}
		if c.force {
			f.Set(keys.EventID, occ.ID)
			f.Set(keys.SeriesUID, occ.SeriesUID)
			f.Set(keys.Start, renderStart(occ))
			f.Set(keys.End, renderEnd(occ))
			if occ.SourceURL != "" {
				f.Set(keys.SourceURL, occ.SourceURL)
			}
		}
		if restore {
			f.Delete(keys.OrphanCandidate)
			f.Delete(keys.OrphanMissCount)
			f.Delete(keys.OrphanReason)
		}
		return nil
	})
	if err != nil {
		e.reportMutationFailure(doc.Path, err)
		c.summary.Errors++
		return
	}

	if repair {
		appLog.Info("document identity repaired", "path", doc.Path, "event_id", occ.ID)
	}
	if restore {
		appLog.Info("orphan candidate restored", "path", doc.Path)
		c.summary.Restored++
	}
	if len(changes) > 0 || c.force {
		c.summary.Updated++
	}
	doc.EventID = occ.ID
}

// handleUnmatched creates a document for a new occurrence unless a skip
// rule applies.
func (e *Engine) handleUnmatched(c *cycle, occ *model.Occurrence) {
	if occ.Cancelled {
		c.summary.Skipped++
		return
	}
	if e.filteredByTitle(occ.Title) {
		c.summary.Skipped++
		return
	}

	src := c.srcByURL[occ.SourceURL]
	if src != nil && (!src.IsEnabled() || !src.IsAutoCreate()) {
		c.summary.Skipped++
		return
	}

	if e.state.TombstoneLive(occ.ID, e.now()) {
		appLog.Debug("creation suppressed by tombstone", "occurrence_id", occ.ID)
		c.summary.Skipped++
		return
	}

	doc, err := e.createDocument(occ, src)
	if err != nil {
		appLog.Error("document create failed", err, "occurrence_id", occ.ID)
		c.summary.Errors++
		return
	}
	c.idx.register(doc)
	c.summary.Created++
	appLog.Info("document created", "path", doc.Path, "occurrence_id", occ.ID)
}

func (e *Engine) createDocument(occ *model.Occurrence, src *config.SourceConfig) (*model.Document, error) {
	keys := &e.cfg.FieldKeys

	fields := vault.NewFields()
	fields.Set(keys.Title, occ.Title)
	fields.Set(keys.EventID, occ.ID)
	fields.Set(keys.SeriesUID, occ.SeriesUID)
	fields.Set(keys.Start, renderStart(occ))
	fields.Set(keys.End, renderEnd(occ))
	if occ.Location != "" {
		fields.Set(keys.Location, occ.Location)
	}
	if occ.SourceURL != "" {
		fields.Set(keys.SourceURL, occ.SourceURL)
	}
	if src != nil && src.Tag != "" {
		fields.Set("tags", src.Tag)
	}

	var body []byte
	if src != nil && src.Template != "" {
		body = []byte(strings.ReplaceAll(src.Template, "{{title}}", occ.Title))
	}

	folder := ""
	if src != nil {
		folder = src.Folder
	}
	docPath := e.freePath(folder, occ)

	if err := e.store.Create(docPath, fields, body); err != nil {
		return nil, err
	}

	return &model.Document{
		Path:      docPath,
		EventID:   occ.ID,
		SeriesUID: occ.SeriesUID,
		Start:     renderStart(occ),
		End:       renderEnd(occ),
		Title:     occ.Title,
		Location:  occ.Location,
		SourceURL: occ.SourceURL,
	}, nil
}

// freePath builds "folder/YYYY-MM-DD title.md", suffixing until unused.
func (e *Engine) freePath(folder string, occ *model.Occurrence) string {
	title := sanitizeFilename(occ.Title)
	if title == "" {
		title = "untitled"
	}
	base := occ.Start.Format("2006-01-02") + " " + title

	for i := 0; ; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s %d", base, i)
		}
		p := name + ".md"
		if folder != "" {
			p = path.Join(folder, p)
		}
		if !e.store.Exists(p) {
			return p
		}
	}
}

func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "-", "\\", "-", ":", "-", "*", "", "?", "",
		"\"", "", "<", "", ">", "", "|", "-", "#", "", "^", "",
	)
	return strings.TrimSpace(replacer.Replace(name))
}

func (e *Engine) filteredByTitle(title string) bool {
	if title == "" {
		return false
	}
	lower := strings.ToLower(title)
	for _, term := range e.cfg.FilterTerms {
		if term == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(term)) {
			return true
		}
	}
	return false
}

// mutationAllowed runs the safety gate for destructive operations (delete,
// move) that bypass WriteFieldsMerge's built-in check.
func (e *Engine) mutationAllowed(p string) bool {
	raw, err := e.store.ReadRaw(p)
	if err != nil {
		appLog.Warn("document unreadable before mutation, skipping", "path", p, "err", err)
		return false
	}
	if err := vault.CheckMetadata(raw); err != nil {
		e.warnMalformedOnce(p)
		return false
	}
	return true
}

func (e *Engine) reportMutationFailure(p string, err error) {
	if errors.Is(err, vault.ErrMalformedMetadata) {
		e.warnMalformedOnce(p)
		return
	}
	appLog.Error("document mutation failed", err, "path", p)
}

// warnMalformedOnce issues the one-time per-path notice for documents whose
// leading metadata block is duplicated or broken. No merge into malformed
// structure is ever attempted.
func (e *Engine) warnMalformedOnce(p string) {
	if e.warnedMalformed[p] {
		return
	}
	e.warnedMalformed[p] = true
	appLog.Warn("document metadata malformed, refusing to modify", "path", p)
}
