package ics

import (
	"bytes"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

const (
	// hardIterationCap bounds recurrence iteration no matter what the
	// dynamic budget computes.
	hardIterationCap = 10000

	// exceptionTolerance is the window within which a generated instance is
	// considered the same moment as an EXDATE or RECURRENCE-ID.
	exceptionTolerance = time.Minute
)

// NormalizeOptions controls how a raw ICS payload is turned into a
// deterministic occurrence stream.
type NormalizeOptions struct {
	// WindowStart / WindowEnd define the inclusive time window; only
	// occurrences overlapping it are emitted.
	WindowStart time.Time
	WindowEnd   time.Time

	// IncludeCancelled emits cancelled occurrences instead of dropping them.
	IncludeCancelled bool

	// MaxIterations overrides hardIterationCap when positive (tests only).
	MaxIterations int
}

// Normalize parses raw calendar text and expands it into concrete, windowed,
// timezone-resolved occurrences with stable identifiers. It never fails:
// malformed input yields whatever could be salvaged, and a payload without a
// calendar marker yields nil (providers transiently serving error pages are
// not an error condition).
func Normalize(src Source, body []byte, opts NormalizeOptions) []model.Occurrence {
	if !bytes.Contains(body, []byte("BEGIN:VCALENDAR")) {
		appLog.Debug("ics payload has no calendar marker, skipping", "id", src.ID, "url", RedactURL(src.URL))
		return nil
	}

	events := parseEvents(src, body)
	if len(events) == 0 {
		return nil
	}

	// Pass 1: index overrides by series UID and count how many plain single
	// events share a UID (some providers reuse UIDs across distinct events).
	overridesByUID := make(map[string][]ParsedEvent)
	singlesByUID := make(map[string]int)
	for _, ev := range events {
		if ev.IsOverride {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
			continue
		}
		if ev.RawRRule == "" {
			singlesByUID[ev.UID]++
		}
	}

	// Pass 2: expand each component. A failure mid-way keeps everything
	// produced so far.
	out := make([]model.Occurrence, 0, len(events))
	seen := make(map[string]bool)

	emit := func(occ model.Occurrence) {
		if occ.Cancelled && !opts.IncludeCancelled {
			return
		}
		if !overlapsWindow(occ.Start, occ.End, opts) {
			return
		}
		if seen[occ.ID] {
			return
		}
		seen[occ.ID] = true
		out = append(out, occ)
	}

	for _, ev := range events {
		expandComponent(ev, overridesByUID[ev.UID], singlesByUID, opts, emit)
	}

	return out
}

// expandComponent routes one parsed component through the right expansion
// path, recovering from any per-component panic so one broken event cannot
// discard the batch.
func expandComponent(ev ParsedEvent, overrides []ParsedEvent, singlesByUID map[string]int, opts NormalizeOptions, emit func(model.Occurrence)) {
	defer func() {
		if r := recover(); r != nil {
			appLog.Error("ics expand panicked, keeping partial batch",
				fmt.Errorf("panic: %v", r), "uid", ev.UID, "id", ev.Source.ID)
		}
	}()

	switch {
	case ev.RawRRule != "":
		expandRecurring(ev, overrides, opts, emit)
	case ev.IsOverride:
		// An override is a concrete occurrence of its series; its identity
		// uses the series key form so an unmoved override keeps the id the
		// generated instance had before the override existed.
		occ := makeOccurrence(ev, ev.Start, ev.End)
		occ.ID = ev.UID + ":" + stableTimeKey(ev.Start)
		emit(occ)
	default:
		occ := makeOccurrence(ev, ev.Start, ev.End)
		occ.ID = ev.UID
		if singlesByUID[ev.UID] > 1 {
			// Provider reused the UID across distinct events; disambiguate
			// with the same stable time encoding.
			occ.ID = ev.UID + "#" + stableTimeKey(ev.Start)
		}
		emit(occ)
	}
}

// expandRecurring iterates a series from its own DTSTART, bounded by a
// dynamically computed iteration budget, stopping once past the window end.
// Instances matching an indexed exception (EXDATE or override) are skipped;
// the override component emits separately.
func expandRecurring(ev ParsedEvent, overrides []ParsedEvent, opts NormalizeOptions, emit func(model.Occurrence)) {
	ropt, err := rrule.StrToROption(ev.RawRRule)
	if err != nil {
		appLog.Error("ics rrule parse failed", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return
	}
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("ics rrule parse failed", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return
	}
	r.DTStart(ev.Start)

	budget := iterationBudget(ropt, ev.Start, opts)
	duration := ev.End.Sub(ev.Start)

	next := r.Iterator()
	for i := 0; i < budget; i++ {
		t, ok := next()
		if !ok {
			return
		}
		if t.After(opts.WindowEnd) {
			return
		}

		start, end := instanceBounds(t, duration, ev.AllDay)
		if hasException(ev, overrides, start) {
			continue
		}

		occ := makeOccurrence(ev, start, end)
		occ.ID = ev.UID + ":" + stableTimeKey(start)
		emit(occ)
	}

	appLog.Warn("ics recurrence iteration budget exhausted",
		"uid", ev.UID, "budget", budget, "rrule", ev.RawRRule)
}

// iterationBudget derives a max-iteration count from the recurrence
// frequency/interval and the span from the series start to the window end,
// hard-capped. Iteration always begins at the series' own start, so the
// budget must cover the distance to the window, not just the window length.
func iterationBudget(ropt *rrule.ROption, seriesStart time.Time, opts NormalizeOptions) int {
	limit := hardIterationCap
	if opts.MaxIterations > 0 {
		limit = opts.MaxIterations
	}

	span := opts.WindowEnd.Sub(seriesStart)
	if w := opts.WindowEnd.Sub(opts.WindowStart); span < w {
		span = w
	}
	if span <= 0 {
		return 1
	}

	var period time.Duration
	switch ropt.Freq {
	case rrule.YEARLY:
		period = 365 * 24 * time.Hour
	case rrule.MONTHLY:
		period = 28 * 24 * time.Hour
	case rrule.WEEKLY:
		period = 7 * 24 * time.Hour
		if n := len(ropt.Byweekday); n > 1 {
			period /= time.Duration(n)
		}
	case rrule.DAILY:
		period = 24 * time.Hour
	case rrule.HOURLY:
		period = time.Hour
	case rrule.MINUTELY:
		period = time.Minute
	default:
		// SECONDLY and anything unexpected: no useful estimate.
		return limit
	}

	interval := ropt.Interval
	if interval < 1 {
		interval = 1
	}
	period *= time.Duration(interval)

	budget := int(span/period) + 8
	if budget > limit {
		budget = limit
	}
	if budget < 1 {
		budget = 1
	}
	return budget
}

// instanceBounds computes the concrete [start, end) of one generated
// instance. All-day instances span whole days in the series' own zone.
func instanceBounds(t time.Time, duration time.Duration, allDay bool) (time.Time, time.Time) {
	if allDay {
		date := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		if duration < 24*time.Hour {
			duration = 24 * time.Hour
		}
		return date, date.Add(duration)
	}
	return t, t.Add(duration)
}

// hasException reports whether a generated instance at start is suppressed
// by an EXDATE or an indexed override. A match is either instant-equality
// within a small tolerance or equal to-the-minute wall-clock fields, which
// rescues feeds that encode the exception under a different zone path.
func hasException(ev ParsedEvent, overrides []ParsedEvent, start time.Time) bool {
	for _, ex := range ev.ExDates {
		if exceptionMatches(start, ex) {
			return true
		}
	}
	for _, ov := range overrides {
		if ov.RecurrenceID != nil && exceptionMatches(start, *ov.RecurrenceID) {
			return true
		}
	}
	return false
}

func exceptionMatches(candidate, exception time.Time) bool {
	d := candidate.Sub(exception)
	if d < 0 {
		d = -d
	}
	if d <= exceptionTolerance {
		return true
	}
	return sameWallClockMinute(candidate, exception)
}

func sameWallClockMinute(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd &&
		a.Hour() == b.Hour() && a.Minute() == b.Minute()
}

// stableTimeKey renders the raw wall-clock fields of t. It deliberately
// ignores the zone: every timezone-resolution path that preserves the wall
// clock produces the same key, keeping occurrence identity stable across
// fetches.
func stableTimeKey(t time.Time) string {
	y, mo, d := t.Date()
	h, mi, s := t.Clock()
	return fmt.Sprintf("%04d%02d%02dT%02d%02d%02d", y, int(mo), d, h, mi, s)
}

func makeOccurrence(ev ParsedEvent, start, end time.Time) model.Occurrence {
	return model.Occurrence{
		SeriesUID:   ev.UID,
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Organizer:   ev.Organizer,
		Attendees:   ev.Attendees,
		Start:       start,
		End:         end,
		AllDay:      ev.AllDay,
		SourceURL:   ev.Source.URL,
		Cancelled:   ev.Cancelled,
	}
}

func overlapsWindow(start, end time.Time, opts NormalizeOptions) bool {
	if end.Before(opts.WindowStart) {
		return false
	}
	if start.After(opts.WindowEnd) {
		return false
	}
	return true
}
