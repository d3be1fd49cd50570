package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// ErrInvalidSchedule wraps every time/recurrence validation failure.
var ErrInvalidSchedule = errors.New("invalid schedule")

var relativeUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

var absoluteLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseScheduledTime accepts "+<N><unit>" with unit in s,m,h,d,w relative
// to now, or an absolute timestamp (RFC 3339, or a naive ISO form read in
// local time).
func ParseScheduledTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: scheduled_time is required", ErrInvalidSchedule)
	}
	if strings.HasPrefix(s, "+") {
		body := s[1:]
		if len(body) < 2 {
			return time.Time{}, fmt.Errorf("%w: invalid relative time %q", ErrInvalidSchedule, s)
		}
		unit, ok := relativeUnits[body[len(body)-1]]
		if !ok {
			return time.Time{}, fmt.Errorf("%w: invalid relative time unit in %q (use s, m, h, d, w)", ErrInvalidSchedule, s)
		}
		n, err := strconv.Atoi(body[:len(body)-1])
		if err != nil || n < 0 {
			return time.Time{}, fmt.Errorf("%w: invalid relative time %q", ErrInvalidSchedule, s)
		}
		return now.Add(time.Duration(n) * unit), nil
	}
	for _, layout := range absoluteLayouts {
		var (
			t   time.Time
			err error
		)
		if layout == time.RFC3339Nano {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, time.Local)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized time %q (use +N{s,m,h,d,w} or ISO 8601)", ErrInvalidSchedule, s)
}

// cronParser parses standard 5-field cron expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// NextCronTime returns the first activation of expr strictly after after.
func NextCronTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: cron expression %q: %v", ErrInvalidSchedule, expr, err)
	}
	return sched.Next(after), nil
}

// FormatDuration renders a countdown the way task listings show it.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		return "overdue"
	}
	s := int64(d / time.Second)
	switch {
	case s < 60:
		return fmt.Sprintf("%ds", s)
	case s < 3600:
		return fmt.Sprintf("%dm", s/60)
	case s < 86400:
		return fmt.Sprintf("%dh %dm", s/3600, (s%3600)/60)
	default:
		return fmt.Sprintf("%dd %dh", s/86400, (s%86400)/3600)
	}
}
