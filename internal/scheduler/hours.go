package scheduler

import (
	"fmt"
	"time"
	// Operating hours are usually given in Asia/Kolkata; embed the zone
	// database so minimal containers can resolve it.
	_ "time/tzdata"
)

// OperatingHours is a daily wall-clock window in a fixed zone. End is
// exclusive; an end before start wraps past midnight; start == end means the
// window is always open.
type OperatingHours struct {
	start    time.Duration
	end      time.Duration
	location *time.Location
}

// ParseOperatingHours parses "HH:MM" bounds in the named IANA zone. Empty
// bounds yield an always-open window.
func ParseOperatingHours(start, end, zone string) (OperatingHours, error) {
	loc := time.UTC
	if zone != "" {
		l, err := time.LoadLocation(zone)
		if err != nil {
			return OperatingHours{}, fmt.Errorf("operating hours timezone: %w", err)
		}
		loc = l
	}
	if start == "" && end == "" {
		return OperatingHours{location: loc}, nil
	}
	s, err := parseClock(start)
	if err != nil {
		return OperatingHours{}, fmt.Errorf("operating hours start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return OperatingHours{}, fmt.Errorf("operating hours end: %w", err)
	}
	return OperatingHours{start: s, end: e, location: loc}, nil
}

func parseClock(v string) (time.Duration, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Contains reports whether t falls inside the window.
func (h OperatingHours) Contains(t time.Time) bool {
	if h.start == h.end {
		return true
	}
	loc := h.location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	offset := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second
	if h.start < h.end {
		return offset >= h.start && offset < h.end
	}
	return offset >= h.start || offset < h.end
}

// String renders the window for logs.
func (h OperatingHours) String() string {
	if h.start == h.end {
		return "always"
	}
	return fmt.Sprintf("%s-%s", clock(h.start), clock(h.end))
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}
