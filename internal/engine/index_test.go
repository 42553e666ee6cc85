package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/model"
)

func TestParseStoredTime(t *testing.T) {
	tests := []struct {
		value string
		want  time.Time
	}{
		{"2026-09-01T13:15:00Z", time.Date(2026, 9, 1, 13, 15, 0, 0, time.UTC)},
		{"2026-09-01T09:15:00-04:00", time.Date(2026, 9, 1, 9, 15, 0, 0, time.FixedZone("", -4*3600))},
		{"2026-09-01T13:15:00", time.Date(2026, 9, 1, 13, 15, 0, 0, time.UTC)},
		{"20260901T131500", time.Date(2026, 9, 1, 13, 15, 0, 0, time.UTC)},
		{"2026-09-01 13:15", time.Date(2026, 9, 1, 13, 15, 0, 0, time.UTC)},
		{"2026-09-01", time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, ok := parseStoredTime(tt.value)
		require.True(t, ok, tt.value)
		assert.True(t, got.Equal(tt.want), "%s parsed to %v", tt.value, got)
	}

	_, ok := parseStoredTime("next tuesday")
	assert.False(t, ok)
	_, ok = parseStoredTime("")
	assert.False(t, ok)
}

func TestFallbackKeyZoneInvariant(t *testing.T) {
	// The same instant written with different zone representations must key
	// identically, so identity repair survives a host that rewrites offsets.
	utc := fallbackKey("uid", time.Date(2026, 9, 1, 13, 15, 0, 0, time.UTC))
	est := fallbackKey("uid", time.Date(2026, 9, 1, 9, 15, 0, 0, time.FixedZone("EDT", -4*3600)))
	assert.Equal(t, utc, est)
	assert.Equal(t, "uid|20260901T1315", utc)

	// Sub-minute noise is rounded away.
	noisy := fallbackKey("uid", time.Date(2026, 9, 1, 13, 15, 42, 0, time.UTC))
	assert.Equal(t, utc, noisy)
}

func TestDocIndexCollisionsFirstWins(t *testing.T) {
	a := &model.Document{Path: "a.md", EventID: "ev-1", SeriesUID: "s", Start: "2026-09-01T13:15:00Z"}
	b := &model.Document{Path: "b.md", EventID: "ev-1", SeriesUID: "s", Start: "2026-09-01T13:15:00Z"}

	idx := newDocIndex([]*model.Document{a, b})
	assert.Same(t, a, idx.byID["ev-1"])
	key, ok := documentFallbackKey(a)
	require.True(t, ok)
	assert.Same(t, a, idx.byFallback[key])
}

func TestDocIndexArchivedExcludedFromFallback(t *testing.T) {
	d := &model.Document{
		Path: "Archive/old.md", EventID: "ev-1", SeriesUID: "s",
		Start: "2026-09-01T13:15:00Z", Archived: true,
	}
	idx := newDocIndex([]*model.Document{d})

	assert.Same(t, d, idx.byID["ev-1"], "archived documents stay visible by id")
	key, ok := documentFallbackKey(d)
	require.True(t, ok)
	assert.Nil(t, idx.byFallback[key], "archived documents never match by fallback")
}

func TestDocumentFallbackKeyRequiresIdentity(t *testing.T) {
	_, ok := documentFallbackKey(&model.Document{Path: "x.md", Start: "2026-09-01"})
	assert.False(t, ok, "no series uid")

	_, ok = documentFallbackKey(&model.Document{Path: "x.md", SeriesUID: "s"})
	assert.False(t, ok, "no start")

	_, ok = documentFallbackKey(&model.Document{Path: "x.md", SeriesUID: "s", Start: "someday"})
	assert.False(t, ok, "unparseable start")
}

func TestRenderStartEnd(t *testing.T) {
	timed := &model.Occurrence{
		Start: time.Date(2026, 9, 1, 9, 15, 0, 0, time.FixedZone("EDT", -4*3600)),
		End:   time.Date(2026, 9, 1, 9, 45, 0, 0, time.FixedZone("EDT", -4*3600)),
	}
	assert.Equal(t, "2026-09-01T09:15:00-04:00", renderStart(timed))
	assert.Equal(t, "2026-09-01T09:45:00-04:00", renderEnd(timed))

	allDay := &model.Occurrence{
		Start:  time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC),
		AllDay: true,
	}
	assert.Equal(t, "2026-09-01", renderStart(allDay))
	assert.Equal(t, "2026-09-02", renderEnd(allDay))
}
