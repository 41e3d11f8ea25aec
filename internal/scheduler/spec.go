package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts 5-field and 6-field (seconds) specs plus descriptors
// such as "@daily" and "@every 1h".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// Normalize turns a schedule string into a cron spec.
//
// Accepted forms:
//   - cron: "0 9 * * *", "@daily", "@every 30m" (or with a "cron:" prefix)
//   - interval duration: "30m", "2h30m"
//   - interval HH:MM: "02:30" (every 2h30m)
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("schedule required")
	}
	if rest, ok := cutPrefixFold(s, "cron:"); ok {
		s = strings.TrimSpace(rest)
	} else if !strings.ContainsAny(s, " \t") && !strings.HasPrefix(s, "@") {
		d, err := parseInterval(s)
		if err != nil {
			return "", fmt.Errorf("invalid schedule %q (use cron like '0 9 * * *', HH:MM like '02:30', or duration like '55m')", raw)
		}
		s = "@every " + d.String()
	}
	if _, err := parser.Parse(s); err != nil {
		return "", fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return s, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}

func parseInterval(v string) (time.Duration, error) {
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, err
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
