package scheduler

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseRecurrence parses a schedule string into a Recurrence.
//
// Supported forms:
//   - One-shot: "" or "once"
//   - Cron (robfig/cron): "*/5 * * * *", "0 30 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
func ParseRecurrence(raw string) (Recurrence, error) {
	s := strings.TrimSpace(raw)
	low := strings.ToLower(s)
	if s == "" || low == "once" {
		return None(), nil
	}

	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Recurrence{}, fmt.Errorf("%w: cron schedule required after 'cron:'", ErrInvalidRecurrence)
		}
		return Cron(expr)
	}
	for _, p := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, p) {
			d, err := parseInterval(s[len(p):])
			if err != nil {
				return Recurrence{}, err
			}
			return Fixed(d), nil
		}
	}

	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return Cron(s)
	}

	if reHHMM.MatchString(s) {
		d, err := parseHHMMDuration(s)
		if err != nil {
			return Recurrence{}, err
		}
		return Fixed(d), nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Recurrence{}, fmt.Errorf("%w: interval must be > 0", ErrInvalidRecurrence)
		}
		return Fixed(d), nil
	}

	return Recurrence{}, fmt.Errorf(
		"%w: %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		ErrInvalidRecurrence, raw,
	)
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("%w: interval required", ErrInvalidRecurrence)
	}
	if reHHMM.MatchString(v) {
		return parseHHMMDuration(v)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid interval %q (use HH:MM or Go duration like '55m')", ErrInvalidRecurrence, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidRecurrence)
	}
	return d, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("%w: invalid HH:MM %q", ErrInvalidRecurrence, v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("%w: invalid minutes in %q", ErrInvalidRecurrence, v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidRecurrence)
	}
	return d, nil
}
