package ics

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// legacyZones maps zone names still served by some providers (Windows zone
// names, a few pre-IANA aliases) to canonical IANA identifiers.
var legacyZones = map[string]string{
	"Eastern Standard Time":          "America/New_York",
	"Eastern Daylight Time":          "America/New_York",
	"Central Standard Time":          "America/Chicago",
	"Mountain Standard Time":         "America/Denver",
	"Pacific Standard Time":          "America/Los_Angeles",
	"Pacific Daylight Time":          "America/Los_Angeles",
	"Alaskan Standard Time":          "America/Anchorage",
	"Hawaiian Standard Time":         "Pacific/Honolulu",
	"GMT Standard Time":              "Europe/London",
	"Greenwich Standard Time":        "Etc/GMT",
	"W. Europe Standard Time":        "Europe/Berlin",
	"Central Europe Standard Time":   "Europe/Budapest",
	"Central European Standard Time": "Europe/Warsaw",
	"Romance Standard Time":          "Europe/Paris",
	"FLE Standard Time":              "Europe/Kyiv",
	"Russian Standard Time":          "Europe/Moscow",
	"Turkey Standard Time":           "Europe/Istanbul",
	"Israel Standard Time":           "Asia/Jerusalem",
	"Arabian Standard Time":          "Asia/Dubai",
	"India Standard Time":            "Asia/Kolkata",
	"SE Asia Standard Time":          "Asia/Bangkok",
	"China Standard Time":            "Asia/Shanghai",
	"Singapore Standard Time":        "Asia/Singapore",
	"Korea Standard Time":            "Asia/Seoul",
	"Tokyo Standard Time":            "Asia/Tokyo",
	"AUS Eastern Standard Time":      "Australia/Sydney",
	"New Zealand Standard Time":      "Pacific/Auckland",
	"E. South America Standard Time": "America/Sao_Paulo",
	"Argentina Standard Time":        "America/Argentina/Buenos_Aires",
	"US/Eastern":                     "America/New_York",
	"US/Central":                     "America/Chicago",
	"US/Mountain":                    "America/Denver",
	"US/Pacific":                     "America/Los_Angeles",
	"GMT":                            "Etc/GMT",
	"Z":                              "UTC",
}

// offsetZoneRe matches zone names that carry a literal UTC offset, e.g.
// "GMT+0900", "UTC-05:00", "+0530".
var offsetZoneRe = regexp.MustCompile(`^(?:GMT|UTC)?([+-])(\d{1,2}):?(\d{2})?$`)

// resolveZone resolves a TZID parameter to a usable *time.Location.
//
// Resolution order:
//  1. canonical: legacy-name table, then time.LoadLocation on the result
//     (or on the raw name when the table has no entry)
//  2. manual offset correction: derive a fixed zone from an offset embedded
//     in the name itself
//
// Returns nil when neither path works; the caller then treats the wall-clock
// value as already correct.
func resolveZone(tzid string) *time.Location {
	tzid = strings.TrimSpace(tzid)
	if tzid == "" {
		return nil
	}
	// Outlook prefixes like "(UTC+09:00) Seoul" sometimes leak into TZID.
	if i := strings.Index(tzid, ") "); i >= 0 && strings.HasPrefix(tzid, "(") {
		if loc := resolveZone(tzid[1:i]); loc != nil {
			return loc
		}
		tzid = tzid[i+2:]
	}

	name := tzid
	if canonical, ok := legacyZones[tzid]; ok {
		name = canonical
	}
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}

	if loc := fixedOffsetZone(tzid); loc != nil {
		return loc
	}
	return nil
}

// fixedOffsetZone builds a fixed-offset location from names like "GMT+0900".
// The instant rendered in such a zone equals its UTC interpretation shifted
// by the parsed offset, which is exactly the manual correction we need when
// no canonical zone is loadable.
func fixedOffsetZone(tzid string) *time.Location {
	m := offsetZoneRe.FindStringSubmatch(tzid)
	if m == nil {
		return nil
	}
	hours, err := strconv.Atoi(m[2])
	if err != nil || hours > 14 {
		return nil
	}
	minutes := 0
	if m[3] != "" {
		minutes, err = strconv.Atoi(m[3])
		if err != nil || minutes > 59 {
			return nil
		}
	}
	secs := hours*3600 + minutes*60
	if m[1] == "-" {
		secs = -secs
	}
	return time.FixedZone(tzid, secs)
}
