package ics

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calsync/internal/log"
)

// ParsedEvent is the normalized representation of a VEVENT as produced
// by the ICS parser. Recurrence expansion operates on this type.
type ParsedEvent struct {
	Source Source

	UID string
	Seq int

	Summary     string
	Description string
	Location    string
	Organizer   string
	Attendees   []string

	Start   time.Time
	End     time.Time
	AllDay  bool
	StartTZ string
	EndTZ   string

	RawRRule     string
	ExDates      []time.Time
	RecurrenceID *time.Time // RECURRENCE-ID (if present) in the event's own timezone
	IsOverride   bool       // true if this VEVENT overrides one instance of a series

	// Cancelled reflects an explicit STATUS of CANCELLED (either spelling).
	// A series master carrying an RRULE is never treated as cancelled; only
	// concrete occurrences and overrides can be.
	Cancelled bool
}

// parseEvents parses a single ICS payload into a list of ParsedEvent.
//
//   - Per-property TZID parameters are authoritative over any zone embedded
//     in the value itself; see resolveZone for the fallback chain.
//   - All-day events are detected by inspecting the DTSTART value format.
//   - RRULE/EXDATE/RECURRENCE-ID are recorded but not expanded; expansion is
//     done in internal/ics/expand.go.
//
// Malformed VEVENTs are logged and skipped; the rest of the feed still
// parses. A payload the library cannot parse at all yields no events.
func parseEvents(src Source, body []byte) []ParsedEvent {
	if len(body) == 0 {
		return nil
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", RedactURL(src.URL))
		return nil
	}

	events := make([]ParsedEvent, 0)

	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(src, comp)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Error("ics vevent parse failed", perr, "id", src.ID, "url", RedactURL(src.URL))
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "id", src.ID, "url", RedactURL(src.URL), "event_count", len(events))
	return events
}

func parseVEvent(src Source, ve *ical.VEvent) (ParsedEvent, error) {
	var out ParsedEvent
	out.Source = src

	// UID
	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	// SEQUENCE (optional, used for overrides/versioning)
	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}

	// Summary / Description / Location / Organizer / Attendees
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyOrganizer); p != nil {
		out.Organizer = strings.TrimPrefix(p.Value, "mailto:")
	}
	for _, att := range ve.Attendees() {
		if email := att.Email(); email != "" {
			out.Attendees = append(out.Attendees, email)
		}
	}

	// STATUS accepts both spellings. RRULE holders are series masters and
	// are never themselves cancelled.
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		switch strings.ToUpper(strings.TrimSpace(p.Value)) {
		case "CANCELLED", "CANCELED":
			out.Cancelled = true
		}
	}

	// RRULE (raw string only; expansion is in expand.go).
	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		out.RawRRule = rruleProp.Value
	}
	if out.RawRRule != "" {
		out.Cancelled = false
	}

	// DTSTART: all-day detection and TZID capture, then zone-authoritative
	// reinterpretation of the value.
	dtStartProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStartProp == nil || dtStartProp.Value == "" {
		return out, errors.New("missing DTSTART")
	}

	allDay := false
	if params := dtStartProp.ICalParameters; params != nil {
		if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			allDay = true
		}
		if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
			out.StartTZ = tzs[0]
		}
	}
	if !strings.Contains(dtStartProp.Value, "T") {
		allDay = true
	}
	out.AllDay = allDay

	// Library-resolved values serve as the fallback when TZID resolution
	// does not apply.
	libStart, _ := ve.GetStartAt()
	libEnd, _ := ve.GetEndAt()

	start, err := resolvePropertyTime(dtStartProp.Value, out.StartTZ, libStart)
	if err != nil {
		return out, err
	}
	out.Start = start

	if dtEndProp := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEndProp != nil && dtEndProp.Value != "" {
		if params := dtEndProp.ICalParameters; params != nil {
			if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
				out.EndTZ = tzs[0]
			}
		}
		end, eerr := resolvePropertyTime(dtEndProp.Value, out.EndTZ, libEnd)
		if eerr == nil {
			out.End = end
		}
	}
	if out.End.IsZero() {
		if out.AllDay {
			out.End = out.Start.Add(24 * time.Hour)
		} else {
			out.End = out.Start
		}
	}

	// EXDATE (can appear multiple times, each possibly comma-separated).
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		exTZ := ""
		if params := p.ICalParameters; params != nil {
			if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
				exTZ = tzs[0]
			}
		}
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, terr := resolvePropertyTime(part, exTZ, time.Time{}); terr == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	// RECURRENCE-ID (overridden instance). Raw property name avoids
	// depending on constant variants across library versions.
	if ridProp := ve.GetProperty("RECURRENCE-ID"); ridProp != nil && ridProp.Value != "" {
		ridTZ := ""
		if params := ridProp.ICalParameters; params != nil {
			if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
				ridTZ = tzs[0]
			}
		}
		if t, terr := resolvePropertyTime(ridProp.Value, ridTZ, time.Time{}); terr == nil {
			out.RecurrenceID = &t
			out.IsOverride = true
		}
	}

	return out, nil
}

// resolvePropertyTime interprets an ICS date/date-time value under an
// optional explicit TZID.
//
// The TZID parameter, when present, is authoritative: the value's wall-clock
// digits are reinterpreted in the resolved zone even if the value itself
// carries a Z suffix. When the zone cannot be resolved at all, the wall-clock
// value is treated as already correct (parsed as written, falling back to
// whatever zone the library attached).
func resolvePropertyTime(val, tzid string, libParsed time.Time) (time.Time, error) {
	val = strings.TrimSpace(val)
	if val == "" {
		return time.Time{}, errors.New("empty time value")
	}

	if tzid != "" {
		if loc := resolveZone(tzid); loc != nil {
			return parseWallClock(val, loc)
		}
		// Unresolvable zone: wall clock is taken as already correct.
		if !libParsed.IsZero() {
			return libParsed, nil
		}
		return parseWallClock(val, time.UTC)
	}

	// No explicit zone: a Z suffix means UTC, otherwise prefer the
	// library's resolution (it understands embedded VTIMEZONE blocks).
	if strings.HasSuffix(val, "Z") {
		return parseWallClock(strings.TrimSuffix(val, "Z"), time.UTC)
	}
	if !libParsed.IsZero() {
		return libParsed, nil
	}
	return parseWallClock(val, time.UTC)
}

// parseWallClock parses the basic ICS forms 20060102T150405 and 20060102
// in the given location. A trailing Z is tolerated and ignored: the caller
// decides which zone wins.
func parseWallClock(val string, loc *time.Location) (time.Time, error) {
	val = strings.TrimSuffix(strings.TrimSpace(val), "Z")
	if strings.Contains(val, "T") {
		return time.ParseInLocation("20060102T150405", val, loc)
	}
	return time.ParseInLocation("20060102", val, loc)
}
