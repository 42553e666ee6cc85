package engine

import (
	"time"

	"calsync/internal/model"
)

// docStartLayouts are the formats accepted when a stored start string must
// be parsed for keying or window checks. Change detection never parses;
// it compares the verbatim strings.
var docStartLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"20060102T150405",
	"2006-01-02 15:04",
	"2006-01-02",
}

// docIndex maps the vault's documents for one cycle. Primary key is the
// stored event id; the secondary key rescues occurrences whose id drifted
// (provider re-keyed the series) via (series uid, start rounded to the
// minute). Archived documents are indexed by id so they are never
// resurrected, but excluded from fallback matching.
type docIndex struct {
	byID       map[string]*model.Document
	byFallback map[string]*model.Document
	docs       []*model.Document
	matched    map[string]bool // by document path
}

func newDocIndex(docs []*model.Document) *docIndex {
	idx := &docIndex{
		byID:       make(map[string]*model.Document),
		byFallback: make(map[string]*model.Document),
		docs:       docs,
		matched:    make(map[string]bool),
	}
	// docs arrive in sorted path order; the first holder of a colliding key
	// wins, deterministically.
	for _, doc := range docs {
		if doc.EventID != "" {
			if _, taken := idx.byID[doc.EventID]; !taken {
				idx.byID[doc.EventID] = doc
			}
		}
		if doc.Archived {
			continue
		}
		if key, ok := documentFallbackKey(doc); ok {
			if _, taken := idx.byFallback[key]; !taken {
				idx.byFallback[key] = doc
			}
		}
	}
	return idx
}

// register makes a just-created document visible to later occurrences in the
// same cycle.
func (idx *docIndex) register(doc *model.Document) {
	idx.docs = append(idx.docs, doc)
	idx.matched[doc.Path] = true
	if doc.EventID != "" {
		if _, taken := idx.byID[doc.EventID]; !taken {
			idx.byID[doc.EventID] = doc
		}
	}
	if key, ok := documentFallbackKey(doc); ok {
		if _, taken := idx.byFallback[key]; !taken {
			idx.byFallback[key] = doc
		}
	}
}

// occurrenceFallbackKey builds the secondary identity key for a remote
// occurrence.
func occurrenceFallbackKey(occ *model.Occurrence) string {
	return fallbackKey(occ.SeriesUID, occ.Start)
}

// documentFallbackKey builds the secondary key from stored fields; it
// requires a series uid and a parseable start.
func documentFallbackKey(doc *model.Document) (string, bool) {
	if doc.SeriesUID == "" || doc.Start == "" {
		return "", false
	}
	start, ok := parseStoredTime(doc.Start)
	if !ok {
		return "", false
	}
	return fallbackKey(doc.SeriesUID, start), true
}

func fallbackKey(seriesUID string, start time.Time) string {
	return seriesUID + "|" + start.UTC().Truncate(time.Minute).Format("20060102T1504")
}

// parseStoredTime tries the accepted layouts in order. Zone-less layouts are
// read as UTC so the same string always produces the same key.
func parseStoredTime(value string) (time.Time, bool) {
	for _, layout := range docStartLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// renderStart/renderEnd produce the canonical stored string for an
// occurrence. These strings are written once and thereafter compared
// verbatim, so the format is part of the document contract.
func renderStart(occ *model.Occurrence) string {
	if occ.AllDay {
		return occ.Start.Format("2006-01-02")
	}
	return occ.Start.Format(time.RFC3339)
}

func renderEnd(occ *model.Occurrence) string {
	if occ.AllDay {
		return occ.End.Format("2006-01-02")
	}
	return occ.End.Format(time.RFC3339)
}
