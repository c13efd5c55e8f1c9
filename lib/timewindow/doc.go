// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package timewindow parses and evaluates recurring daily time windows
// ("08:00"–"18:00" on selected weekdays). Policy code uses windows to
// scope time-based limits and GPU maintenance periods.
//
// Windows may cross midnight: a window with Start after End covers
// [Start, 24:00) plus [00:00, End) of the following day. An empty day
// set means every day. All evaluation is in UTC.
package timewindow
