package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts both 5-field and 6-field (with seconds) specs plus
// descriptors such as @hourly.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParsedSpec represents a parsed schedule string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 */10 * * * *", "@hourly"
//   - Fixed rate: "55m", "2h30m", "02:30" (HH:MM), "@every 5s"
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:", "every:" or "rate:" force a fixed rate
//   - "delay:" selects a fixed delay
//   - "once:" or "after:" runs a single time after the given delay
type ParsedSpec struct {
	Kind   Kind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

func (p ParsedSpec) String() string {
	switch p.Kind {
	case KindCron:
		return "cron:" + p.Cron
	case KindFixedDelay:
		return "delay:" + p.Every.String()
	case KindOnce:
		return "once:" + p.Every.String()
	default:
		return "every:" + p.Every.String()
	}
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses a schedule string into a kind plus either a cron
// expression or a duration. Cron expressions are validated here so config
// errors surface before anything is registered.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	if v, ok := cutPrefix(s, low, "cron:"); ok {
		if v == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return parseCron(v)
	}
	for _, p := range []string{"interval:", "every:", "rate:"} {
		if v, ok := cutPrefix(s, low, p); ok {
			d, src, err := parseInterval(v)
			if err != nil {
				return ParsedSpec{}, err
			}
			return ParsedSpec{Kind: KindFixedRate, Every: d, Source: src}, nil
		}
	}
	if v, ok := cutPrefix(s, low, "delay:"); ok {
		d, src, err := parseInterval(v)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: KindFixedDelay, Every: d, Source: src}, nil
	}
	for _, p := range []string{"once:", "after:"} {
		if v, ok := cutPrefix(s, low, p); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return ParsedSpec{}, fmt.Errorf("invalid delay %q (use Go duration like '10s')", v)
			}
			if d < 0 {
				return ParsedSpec{}, ErrInvalidDelay
			}
			return ParsedSpec{Kind: KindOnce, Every: d, Source: "duration"}, nil
		}
	}

	// "@every 5s" is a plain fixed rate; keep it off the cron path so it
	// gets the monotonic grid instead of wall-clock evaluation.
	if strings.HasPrefix(low, "@every") {
		d, src, err := parseInterval(s[len("@every"):])
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: KindFixedRate, Every: d, Source: src}, nil
	}

	// any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}

	if reHHMM.MatchString(s) {
		d, err := parseHHMMDuration(s)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: KindFixedRate, Every: d, Source: "hhmm"}, nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		if d <= 0 {
			return ParsedSpec{}, ErrInvalidPeriod
		}
		return ParsedSpec{Kind: KindFixedRate, Every: d, Source: "duration"}, nil
	}

	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func cutPrefix(s, low, prefix string) (string, bool) {
	if !strings.HasPrefix(low, prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

func parseCron(expr string) (ParsedSpec, error) {
	if _, err := cronParser.Parse(expr); err != nil {
		return ParsedSpec{}, fmt.Errorf("%w %q: %v", ErrInvalidCron, expr, err)
	}
	return ParsedSpec{Kind: KindCron, Cron: expr, Source: "cron"}, nil
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		return d, "hhmm", err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, "", ErrInvalidPeriod
	}
	return d, "duration", nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, ErrInvalidPeriod
	}
	return d, nil
}
