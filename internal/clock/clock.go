package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"swingbot/internal/ports"
)

// Config describes the trading window. Start/End are "HH:MM" in the market
// timezone; Buffer shrinks the window on both ends.
type Config struct {
	Start        string
	End          string
	Buffer       time.Duration
	PollInterval time.Duration
	Timezone     string
	Holidays     []string // "YYYY-MM-DD" dates on which the market is closed
}

// Clock decides whether trading is permitted at a given instant and when
// the orchestrator should wake next. It never reads ambient time: "now" is
// always an explicit input, which keeps it deterministic and testable.
type Clock struct {
	loc      *time.Location
	startMin int // Minutes after midnight, buffer applied
	endMin   int
	poll     time.Duration
	holidays map[string]struct{}
}

// New validates the window configuration. Start >= End (after buffers) or
// an unknown timezone is a misconfiguration and fatal at startup.
func New(cfg Config) (*Clock, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ports.ErrClockMisconfigured, cfg.Timezone, err)
	}
	start, err := parseClockTime(cfg.Start)
	if err != nil {
		return nil, fmt.Errorf("%w: start %q: %v", ports.ErrClockMisconfigured, cfg.Start, err)
	}
	end, err := parseClockTime(cfg.End)
	if err != nil {
		return nil, fmt.Errorf("%w: end %q: %v", ports.ErrClockMisconfigured, cfg.End, err)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("%w: poll interval must be positive", ports.ErrClockMisconfigured)
	}
	if cfg.Buffer < 0 {
		return nil, fmt.Errorf("%w: buffer cannot be negative", ports.ErrClockMisconfigured)
	}

	buf := int(cfg.Buffer / time.Minute)
	startMin := start + buf
	endMin := end - buf
	if startMin >= endMin {
		return nil, fmt.Errorf("%w: window [%s+%dm, %s-%dm] is empty", ports.ErrClockMisconfigured, cfg.Start, buf, cfg.End, buf)
	}

	holidays := make(map[string]struct{}, len(cfg.Holidays))
	for _, h := range cfg.Holidays {
		if _, err := time.ParseInLocation("2006-01-02", h, loc); err != nil {
			return nil, fmt.Errorf("%w: holiday %q: %v", ports.ErrClockMisconfigured, h, err)
		}
		holidays[h] = struct{}{}
	}

	return &Clock{
		loc:      loc,
		startMin: startMin,
		endMin:   endMin,
		poll:     cfg.PollInterval,
		holidays: holidays,
	}, nil
}

// IsTradingWindow reports whether now falls within the buffered window on a
// trading day in the market timezone.
func (c *Clock) IsTradingWindow(now time.Time) bool {
	local := now.In(c.loc)
	if !c.isTradingDay(local) {
		return false
	}
	m := local.Hour()*60 + local.Minute()
	return m >= c.startMin && m <= c.endMin
}

// NextWake computes when the orchestrator should run its next cycle:
// inside the window, one poll interval from now; before the window, at the
// window open; after it, at the next trading day's window open.
func (c *Clock) NextWake(now time.Time) time.Time {
	local := now.In(c.loc)
	if c.IsTradingWindow(now) {
		return now.Add(c.poll)
	}

	m := local.Hour()*60 + local.Minute()
	if c.isTradingDay(local) && m < c.startMin {
		return c.windowOpen(local)
	}

	// After close, weekend, or holiday: first trading day after today.
	day := local.AddDate(0, 0, 1)
	for !c.isTradingDay(day) {
		day = day.AddDate(0, 0, 1)
	}
	return c.windowOpen(day)
}

// PollInterval returns the configured cycle cadence.
func (c *Clock) PollInterval() time.Duration { return c.poll }

// Location returns the market timezone.
func (c *Clock) Location() *time.Location { return c.loc }

func (c *Clock) isTradingDay(local time.Time) bool {
	wd := local.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	_, holiday := c.holidays[local.Format("2006-01-02")]
	return !holiday
}

func (c *Clock) windowOpen(local time.Time) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day(), c.startMin/60, c.startMin%60, 0, 0, c.loc)
}

// parseClockTime converts "HH:MM" into minutes after midnight.
func parseClockTime(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM")
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour %q", parts[0])
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute %q", parts[1])
	}
	return h*60 + m, nil
}
