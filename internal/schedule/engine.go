// Package schedule expands recurrence rules into fire times and
// drives the schedule ticker source. Rules come in two forms: RFC
// 5545 RRULE strings ("FREQ=DAILY;BYHOUR=8") and classic cron
// expressions ("0 8 * * *"). Both are evaluated in the automation's
// IANA timezone, which resolves daylight-saving transitions: a rule
// naming a nonexistent hour fires at the following valid instant.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"
)

// cronParser accepts standard five-field cron expressions plus the
// @hourly/@daily descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Engine computes next-fire times for recurrence rules.
type Engine struct {
	// DefaultTimezone is used when an automation carries no zone of
	// its own. Registration requires an explicit zone, so this only
	// covers rows predating that rule.
	DefaultTimezone string
}

// Validate checks that rule parses and tz names a real IANA zone.
func (e *Engine) Validate(rule, tz string) error {
	if strings.TrimSpace(rule) == "" {
		return fmt.Errorf("recurrence rule is required")
	}
	if tz == "" {
		return fmt.Errorf("timezone is required")
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("unknown timezone %q: %w", tz, err)
	}

	if isRRule(rule) {
		if _, err := rrule.StrToRRule(normalizeRRule(rule)); err != nil {
			return fmt.Errorf("invalid recurrence rule: %w", err)
		}
		return nil
	}
	if _, err := cronParser.Parse(rule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// NextAfter returns the first instant strictly greater than after
// that the rule matches, in UTC. dtstart anchors RRULE interval and
// COUNT arithmetic (the automation's creation time). ok is false when
// the rule has no further occurrences (COUNT or UNTIL exhausted).
func (e *Engine) NextAfter(rule, tz string, dtstart, after time.Time) (time.Time, bool, error) {
	loc, err := e.location(tz)
	if err != nil {
		return time.Time{}, false, err
	}

	if isRRule(rule) {
		r, err := rrule.StrToRRule(normalizeRRule(rule))
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse recurrence rule: %w", err)
		}
		if dtstart.IsZero() {
			dtstart = after
		}
		r.DTStart(dtstart.In(loc))

		next := r.After(after.In(loc), false)
		if next.IsZero() {
			return time.Time{}, false, nil
		}
		return next.UTC(), true, nil
	}

	sched, err := cronParser.Parse(rule)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next.UTC(), true, nil
}

func (e *Engine) location(tz string) (*time.Location, error) {
	if tz == "" {
		tz = e.DefaultTimezone
	}
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", tz, err)
	}
	return loc, nil
}

// isRRule distinguishes RRULE strings from cron expressions.
func isRRule(rule string) bool {
	upper := strings.ToUpper(strings.TrimSpace(rule))
	return strings.HasPrefix(upper, "RRULE:") || strings.Contains(upper, "FREQ=")
}

// normalizeRRule strips the optional "RRULE:" prefix that rrule-go's
// string parser does not accept.
func normalizeRRule(rule string) string {
	trimmed := strings.TrimSpace(rule)
	if len(trimmed) >= 6 && strings.EqualFold(trimmed[:6], "RRULE:") {
		return trimmed[6:]
	}
	return trimmed
}
