// Package schedule parses task schedule patterns and computes due times.
// It is pure: no clocks, no store, so boundary behavior is testable in
// isolation. All evaluation is UTC.
package schedule

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind describes the normalized kind of a schedule pattern.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

// cronParser accepts standard five-field crontab expressions, an optional
// leading seconds field, and descriptors like "@hourly" / "@every 55m".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Pattern is a parsed schedule.
//
// Supported forms:
//   - Cron (crontab.guru-style): "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type Pattern struct {
	Kind  Kind
	Every time.Duration // interval kind only
	raw   string
	sched cron.Schedule // cron kind only
}

func (p Pattern) String() string { return p.raw }

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Parse parses and validates a schedule pattern. Invalid cron expressions
// are rejected here so bad patterns fail at registration, not at tick time.
func Parse(raw string) (Pattern, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Pattern{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Pattern{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return parseCron(raw, expr)
	}
	if strings.HasPrefix(low, "interval:") {
		return parseIntervalPattern(raw, s[len("interval:"):])
	}
	if strings.HasPrefix(low, "every:") {
		return parseIntervalPattern(raw, s[len("every:"):])
	}

	// Any whitespace or leading '@' reads as cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(raw, s)
	}

	// HH:MM reads as an interval.
	if reHHMM.MatchString(s) {
		d, err := parseHHMMDuration(s)
		if err != nil {
			return Pattern{}, err
		}
		return Pattern{Kind: KindInterval, Every: d, raw: raw}, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Pattern{}, fmt.Errorf("interval must be > 0")
		}
		return Pattern{Kind: KindInterval, Every: d, raw: raw}, nil
	}

	return Pattern{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

// Next computes the next due time strictly after now.
//
// Interval patterns are anchored to lastRun when known, so a task that ran
// late drifts rather than bunching up; with no prior run the interval
// counts from now. Cron patterns evaluate against the wall clock only.
func (p Pattern) Next(now, lastRun time.Time) time.Time {
	now = now.UTC()
	switch p.Kind {
	case KindInterval:
		base := now
		if !lastRun.IsZero() {
			base = lastRun.UTC()
		}
		next := base.Add(p.Every)
		if !next.After(now) {
			// Missed windows collapse into one immediate run.
			next = now
		}
		return next
	default:
		return p.sched.Next(now)
	}
}

func parseCron(raw, expr string) (Pattern, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Pattern{Kind: KindCron, raw: raw, sched: sched}, nil
}

func parseIntervalPattern(raw, v string) (Pattern, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Pattern{}, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		if err != nil {
			return Pattern{}, err
		}
		return Pattern{Kind: KindInterval, Every: d, raw: raw}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Pattern{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return Pattern{}, fmt.Errorf("interval must be > 0")
	}
	return Pattern{Kind: KindInterval, Every: d, raw: raw}, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
