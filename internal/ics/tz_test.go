package ics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveZoneCanonical(t *testing.T) {
	loc := resolveZone("America/New_York")
	require.NotNil(t, loc)
	assert.Equal(t, "America/New_York", loc.String())
}

func TestResolveZoneLegacyNames(t *testing.T) {
	tests := []struct {
		tzid string
		want string
	}{
		{"Eastern Standard Time", "America/New_York"},
		{"Pacific Standard Time", "America/Los_Angeles"},
		{"GMT Standard Time", "Europe/London"},
		{"Korea Standard Time", "Asia/Seoul"},
		{"US/Eastern", "America/New_York"},
	}
	for _, tt := range tests {
		t.Run(tt.tzid, func(t *testing.T) {
			loc := resolveZone(tt.tzid)
			require.NotNil(t, loc)
			assert.Equal(t, tt.want, loc.String())
		})
	}
}

func TestResolveZoneOffsetForms(t *testing.T) {
	tests := []struct {
		tzid       string
		wantOffset int // seconds east of UTC
	}{
		{"GMT+0900", 9 * 3600},
		{"UTC-05:00", -5 * 3600},
		{"+0530", 5*3600 + 30*60},
	}
	for _, tt := range tests {
		t.Run(tt.tzid, func(t *testing.T) {
			loc := resolveZone(tt.tzid)
			require.NotNil(t, loc)
			ref := time.Date(2026, 9, 2, 12, 0, 0, 0, loc)
			_, offset := ref.Zone()
			assert.Equal(t, tt.wantOffset, offset)
		})
	}
}

func TestResolveZoneUnresolvable(t *testing.T) {
	assert.Nil(t, resolveZone("Nowhere/Invalid"))
	assert.Nil(t, resolveZone(""))
	assert.Nil(t, resolveZone("Custom Vendor Zone"))
}

func TestResolvePropertyTimeZoneAuthoritative(t *testing.T) {
	// TZID wins even over a Z-suffixed value: the wall clock is
	// reinterpreted in the resolved zone.
	got, err := resolvePropertyTime("20260902T091500Z", "America/New_York", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", got.Location().String())
	assert.Equal(t, 9, got.Hour())
	assert.Equal(t, 15, got.Minute())
}

func TestResolvePropertyTimeWallClockFallback(t *testing.T) {
	// Unresolvable zone, no library fallback: the wall clock is taken as
	// already correct.
	got, err := resolvePropertyTime("20260902T091500", "Custom Vendor Zone", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 9, got.Hour())
	assert.Equal(t, 15, got.Minute())
}
