package campaign

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var reClock = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseClock parses a wall-clock "HH:MM" string into minutes since midnight.
func ParseClock(raw string) (int, error) {
	s := strings.TrimSpace(raw)
	m := reClock.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid time %q (use HH:MM like '09:00')", raw)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", raw)
	}
	if mm > 59 {
		return 0, fmt.Errorf("invalid minute in %q", raw)
	}
	return h*60 + mm, nil
}
