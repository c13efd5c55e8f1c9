// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timewindow

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// dayset uses the low 7 bits of a byte as a set of weekdays
// (bit 0 = Sunday, matching time.Weekday).
type dayset uint8

func (d dayset) has(day time.Weekday) bool { return d&(1<<uint(day)) != 0 }
func (d *dayset) set(day time.Weekday)     { *d |= 1 << uint(day) }

// allDays is the empty-set sentinel expanded to every weekday.
const allDays dayset = 0x7f

// Window is a recurring daily time window. Construct with Parse; the
// zero value is never active.
type Window struct {
	// startMinute and endMinute are minutes since midnight. The
	// window covers [startMinute, endMinute); when startMinute >=
	// endMinute the window crosses midnight.
	startMinute int
	endMinute   int
	days        dayset
	valid       bool
}

// Parse builds a Window from "HH:MM" start/end strings and a weekday
// list (0 = Sunday .. 6 = Saturday). An empty day list means every
// day. Start equal to end is rejected: use an explicit 00:00–24:00
// representation ("00:00" to "00:00" would be an always-or-never
// ambiguity).
func Parse(start, end string, days []int) (Window, error) {
	startMinute, err := parseClock(start)
	if err != nil {
		return Window{}, fmt.Errorf("timewindow: start: %w", err)
	}
	endMinute, err := parseClock(end)
	if err != nil {
		return Window{}, fmt.Errorf("timewindow: end: %w", err)
	}
	if startMinute == endMinute {
		return Window{}, fmt.Errorf("timewindow: start %s equals end %s", start, end)
	}

	var set dayset
	for _, day := range days {
		if day < 0 || day > 6 {
			return Window{}, fmt.Errorf("timewindow: day %d outside 0-6", day)
		}
		set.set(time.Weekday(day))
	}
	if set == 0 {
		set = allDays
	}

	return Window{startMinute: startMinute, endMinute: endMinute, days: set, valid: true}, nil
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	hourPart, minutePart, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	hour, err := strconv.Atoi(hourPart)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("hour %q outside 00-23", hourPart)
	}
	minute, err := strconv.Atoi(minutePart)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("minute %q outside 00-59", minutePart)
	}
	return hour*60 + minute, nil
}

// Contains reports whether t falls inside the window. For a window
// crossing midnight, the day check applies to the day the window
// started: a Friday 22:00–02:00 window is active at Saturday 01:00.
func (w Window) Contains(t time.Time) bool {
	if !w.valid {
		return false
	}
	t = t.UTC()
	minute := t.Hour()*60 + t.Minute()

	if w.startMinute < w.endMinute {
		return w.days.has(t.Weekday()) && minute >= w.startMinute && minute < w.endMinute
	}

	// Crosses midnight: [start, 24:00) belongs to the start day,
	// [00:00, end) to the day after the start day.
	if minute >= w.startMinute {
		return w.days.has(t.Weekday())
	}
	if minute < w.endMinute {
		previous := (t.Weekday() + 6) % 7
		return w.days.has(previous)
	}
	return false
}

// windowYAML is the serialized form: the same start/end/days shape
// Parse accepts.
type windowYAML struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
	Days  []int  `yaml:"days,omitempty"`
}

// MarshalYAML emits the window in its parseable start/end/days form.
// The zero (invalid) window marshals to null.
func (w Window) MarshalYAML() (any, error) {
	if !w.valid {
		return nil, nil
	}
	out := windowYAML{
		Start: fmt.Sprintf("%02d:%02d", w.startMinute/60, w.startMinute%60),
		End:   fmt.Sprintf("%02d:%02d", w.endMinute/60, w.endMinute%60),
	}
	if w.days != allDays {
		for day := time.Sunday; day <= time.Saturday; day++ {
			if w.days.has(day) {
				out.Days = append(out.Days, int(day))
			}
		}
	}
	return out, nil
}

// UnmarshalYAML parses the start/end/days form through Parse, so a
// decoded window carries the same validation as a constructed one.
func (w *Window) UnmarshalYAML(value *yaml.Node) error {
	var raw windowYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := Parse(raw.Start, raw.End, raw.Days)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// String renders the window for display and log output.
func (w Window) String() string {
	if !w.valid {
		return "inactive"
	}
	var days []string
	for day := time.Sunday; day <= time.Saturday; day++ {
		if w.days.has(day) {
			days = append(days, day.String()[:3])
		}
	}
	dayPart := "daily"
	if w.days != allDays {
		dayPart = strings.Join(days, ",")
	}
	return fmt.Sprintf("%02d:%02d-%02d:%02d %s",
		w.startMinute/60, w.startMinute%60, w.endMinute/60, w.endMinute%60, dayPart)
}
