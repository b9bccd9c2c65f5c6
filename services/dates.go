package services

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// DisplayLayout is how challenge dates are written to the ladder ("10/15, 3:04 PM EDT").
	DisplayLayout = "1/2, 3:04 PM"

	ChallengeLifetime = 72 * time.Hour
	ExtensionLength   = 48 * time.Hour
	WarningLead       = 24 * time.Hour
	MinRecordTTL      = 5 * time.Minute

	// A yearless date may lie at most this far ahead of now; extended
	// challenges legitimately carry timestamps a few days in the future.
	futureTolerance = 14 * 24 * time.Hour
)

var acceptedLayouts = []string{
	"1/2, 3:04 PM",
	"1/2 3:04 PM",
	"1/2, 3:04PM",
	"1/2, 15:04",
	"1/2/2006, 3:04 PM",
	"1/2/2006 3:04 PM",
}

var tzSuffixPattern = regexp.MustCompile(`\s+([A-Za-z]{2,5})$`)

var ErrEmptyDate = errors.New("empty challenge date")

// ChallengeClock formats and parses ladder dates in the ladder's timezone.
type ChallengeClock struct {
	loc *time.Location
	now func() time.Time
}

func NewChallengeClock(loc *time.Location, now func() time.Time) *ChallengeClock {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &ChallengeClock{loc: loc, now: now}
}

func (c *ChallengeClock) Now() time.Time {
	return c.now().In(c.loc)
}

func (c *ChallengeClock) Location() *time.Location {
	return c.loc
}

// Format renders t for the ladder, with the zone abbreviation appended.
func (c *ChallengeClock) Format(t time.Time) string {
	return t.In(c.loc).Format(DisplayLayout + " MST")
}

// FormatWithSuffix renders t and appends suffix verbatim (used to keep a
// date's original zone label across an extension).
func (c *ChallengeClock) FormatWithSuffix(t time.Time, suffix string) string {
	out := t.In(c.loc).Format(DisplayLayout)
	if suffix != "" {
		out += " " + suffix
	}
	return out
}

// Parse reads a ladder date. The trailing zone abbreviation is stripped and
// returned separately; the date is always interpreted in the ladder zone.
// Dates without a year get whichever of last, this or next year lands closest
// to now without running more than futureTolerance ahead. That reads December
// dates in January as last year and an extension into January, read in late
// December, as next year.
func (c *ChallengeClock) Parse(raw string) (time.Time, string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, "", ErrEmptyDate
	}

	var suffix string
	if m := tzSuffixPattern.FindStringSubmatch(s); m != nil {
		if up := strings.ToUpper(m[1]); up != "AM" && up != "PM" {
			suffix = m[1]
			s = strings.TrimSpace(strings.TrimSuffix(s, m[0]))
		}
	}

	now := c.Now()
	for _, layout := range acceptedLayouts {
		t, err := time.ParseInLocation(layout, s, c.loc)
		if err != nil {
			continue
		}
		if strings.Contains(layout, "2006") {
			return t, suffix, nil
		}
		return c.inferYear(t, now), suffix, nil
	}
	return time.Time{}, suffix, fmt.Errorf("unrecognised challenge date %q", raw)
}

func (c *ChallengeClock) inferYear(t, now time.Time) time.Time {
	var best time.Time
	var bestDist time.Duration
	for _, year := range []int{now.Year() - 1, now.Year(), now.Year() + 1} {
		cand := time.Date(year, t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, c.loc)
		ahead := cand.Sub(now)
		if ahead > futureTolerance {
			continue
		}
		dist := ahead
		if dist < 0 {
			dist = -dist
		}
		if best.IsZero() || dist < bestDist {
			best, bestDist = cand, dist
		}
	}
	return best
}

// ChallengeTTL is the remaining lifetime of a challenge issued at dateStr,
// never below MinRecordTTL. On a parse failure it returns the full lifetime
// together with the parse error so the caller can report it.
func (c *ChallengeClock) ChallengeTTL(dateStr string) (time.Duration, error) {
	issued, _, err := c.Parse(dateStr)
	if err != nil {
		return ChallengeLifetime, err
	}
	remaining := issued.Add(ChallengeLifetime).Sub(c.Now()).Truncate(time.Second)
	if remaining < MinRecordTTL {
		return MinRecordTTL, nil
	}
	return remaining, nil
}

// WarningTTL fires the 24-hours-left notice one WarningLead before expiry.
func WarningTTL(challengeTTL time.Duration) time.Duration {
	if ttl := challengeTTL - WarningLead; ttl > MinRecordTTL {
		return ttl
	}
	return MinRecordTTL
}

// Age is how long ago a challenge dated dateStr was issued.
func (c *ChallengeClock) Age(dateStr string) (time.Duration, error) {
	issued, _, err := c.Parse(dateStr)
	if err != nil {
		return 0, err
	}
	return c.Now().Sub(issued), nil
}
