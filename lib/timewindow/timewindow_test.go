// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timewindow

import (
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func mustParse(t *testing.T, start, end string, days []int) Window {
	t.Helper()
	window, err := Parse(start, end, days)
	if err != nil {
		t.Fatalf("Parse(%q, %q, %v): %v", start, end, days, err)
	}
	return window
}

// utc returns the given clock time on a known Monday (2026-03-02).
func utc(t *testing.T, dayOffset, hour, minute int) time.Time {
	t.Helper()
	return time.Date(2026, 3, 2+dayOffset, hour, minute, 0, 0, time.UTC)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name    string
		start   string
		end     string
		days    []int
		wantErr string
	}{
		{"missing_colon", "0800", "18:00", nil, "not HH:MM"},
		{"hour_out_of_range", "24:00", "18:00", nil, "hour"},
		{"minute_out_of_range", "08:60", "18:00", nil, "minute"},
		{"non_numeric", "ab:00", "18:00", nil, "hour"},
		{"equal_start_end", "08:00", "08:00", nil, "equals"},
		{"day_out_of_range", "08:00", "18:00", []int{7}, "day 7"},
		{"negative_day", "08:00", "18:00", []int{-1}, "day -1"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse(test.start, test.end, test.days)
			if err == nil {
				t.Fatalf("Parse() = nil, want error containing %q", test.wantErr)
			}
			if !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("Parse() = %q, want error containing %q", err, test.wantErr)
			}
		})
	}
}

func TestContainsSameDay(t *testing.T) {
	window := mustParse(t, "09:00", "17:00", []int{1, 2, 3, 4, 5}) // weekdays

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"inside", utc(t, 0, 12, 0), true},
		{"at_start", utc(t, 0, 9, 0), true},
		{"at_end_exclusive", utc(t, 0, 17, 0), false},
		{"before", utc(t, 0, 8, 59), false},
		{"weekend", utc(t, 5, 12, 0), false}, // Saturday
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := window.Contains(test.at); got != test.want {
				t.Errorf("Contains(%v) = %v, want %v", test.at, got, test.want)
			}
		})
	}
}

func TestContainsCrossingMidnight(t *testing.T) {
	// Active 22:00 Monday through 02:00 Tuesday.
	window := mustParse(t, "22:00", "02:00", []int{1})

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"monday_night", utc(t, 0, 23, 30), true},
		{"tuesday_early", utc(t, 1, 1, 30), true},
		{"tuesday_after_end", utc(t, 1, 2, 0), false},
		{"tuesday_night", utc(t, 1, 23, 30), false},
		{"monday_day", utc(t, 0, 12, 0), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := window.Contains(test.at); got != test.want {
				t.Errorf("Contains(%v) = %v, want %v", test.at, got, test.want)
			}
		})
	}
}

func TestEmptyDaysMeansEveryDay(t *testing.T) {
	window := mustParse(t, "00:00", "23:59", nil)
	for offset := range 7 {
		if !window.Contains(utc(t, offset, 12, 0)) {
			t.Errorf("Contains() = false on day offset %d, want true", offset)
		}
	}
}

func TestZeroWindowNeverActive(t *testing.T) {
	var window Window
	if window.Contains(utc(t, 0, 12, 0)) {
		t.Error("zero Window reported active")
	}
	if got := window.String(); got != "inactive" {
		t.Errorf("String() = %q, want %q", got, "inactive")
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		window Window
	}{
		{name: "daily window", window: mustParse(t, "09:00", "17:30", nil)},
		{name: "weekday window", window: mustParse(t, "22:00", "02:00", []int{1, 2, 3, 4, 5})},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			data, err := yaml.Marshal(test.window)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			var decoded Window
			if err := yaml.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("Unmarshal(%q): %v", data, err)
			}
			if decoded != test.window {
				t.Errorf("round trip changed the window:\n  in  %v\n  out %v\n  yaml %s",
					test.window, decoded, data)
			}
		})
	}
}

func TestYAMLUnmarshalRejectsInvalid(t *testing.T) {
	var window Window
	if err := yaml.Unmarshal([]byte("start: \"25:00\"\nend: \"26:00\"\n"), &window); err == nil {
		t.Fatal("Unmarshal accepted an invalid clock time")
	}
}
