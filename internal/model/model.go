package model

import "time"

// Occurrence represents a single concrete instance of a calendar event,
// either a standalone event or one generated from a recurring series
// (after recurrence expansion and timezone resolution).
type Occurrence struct {
	// ID is the deterministic dedup key. It is a pure function of
	// (SeriesUID, wall-clock fields of Start) so that repeated fetches of
	// identical feed content never change an occurrence's identity,
	// regardless of which timezone-resolution path produced Start.
	ID string

	// SeriesUID is the iCalendar UID shared by all instances of a series.
	SeriesUID string

	Title       string
	Description string
	Location    string
	Organizer   string
	Attendees   []string

	Start  time.Time
	End    time.Time
	AllDay bool

	// SourceURL is the feed this occurrence came from.
	SourceURL string

	Cancelled bool
}

// Document is the engine's view of one persisted meeting document.
// Start/End are kept as the verbatim stored strings; change detection
// against a remote occurrence is string-exact, never date-equality, so
// formatting or timezone drift cannot cause spurious writes.
type Document struct {
	Path      string
	EventID   string // stored event id; empty when the document has none
	SeriesUID string
	Start     string
	End       string
	Title     string
	Location  string
	SourceURL string

	// OrphanCandidateSince is the stored quarantine timestamp, empty when
	// the document is not a quarantine candidate.
	OrphanCandidateSince string
	OrphanMissCount      int

	Archived bool
}

// Identified reports whether the document carries any usable identity.
func (d *Document) Identified() bool {
	return d.EventID != "" || d.SeriesUID != ""
}

// SourceStatus records the per-source fetch outcome of one cycle; it gates
// orphan-sweep eligibility for documents tied to that source.
type SourceStatus int

const (
	SourceUnknown SourceStatus = iota
	SourceSucceeded
	SourceFailed
)

// Summary aggregates the outcome of one reconciliation cycle.
type Summary struct {
	Created     int
	Updated     int
	Archived    int
	Deleted     int
	Quarantined int
	Restored    int
	Skipped     int
	Errors      int

	Sources   int
	SourcesOK int
	Duration  time.Duration
}

// Changed reports whether the cycle mutated anything. A cycle with zero
// changes emits no summary.
func (s *Summary) Changed() bool {
	return s.Created+s.Updated+s.Archived+s.Deleted+s.Quarantined+s.Restored > 0
}
