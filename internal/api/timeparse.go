// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tsgate/tsgate/internal/query"
)

// msEpochThreshold splits numeric epochs: values above it are taken as
// milliseconds, at or below as seconds.
const msEpochThreshold = 1e10

// TimeSpec is a wire-form timestamp: "now", "<n><unit>-ago", a numeric
// epoch, or an ISO-8601 string. The raw form is kept so resolution can
// happen against a single "now" per request.
type TimeSpec struct {
	raw json.RawMessage
}

func (ts *TimeSpec) UnmarshalJSON(b []byte) error {
	ts.raw = append(ts.raw[:0], b...)
	return nil
}

// IsSet reports whether the spec carried a value.
func (ts *TimeSpec) IsSet() bool {
	return len(ts.raw) > 0 && !bytes.Equal(ts.raw, []byte("null"))
}

// Resolve evaluates the spec against now.
func (ts *TimeSpec) Resolve(now time.Time) (time.Time, error) {
	if !ts.IsSet() {
		return time.Time{}, fmt.Errorf("time spec is empty")
	}
	if ts.raw[0] == '"' {
		var s string
		if err := json.Unmarshal(ts.raw, &s); err != nil {
			return time.Time{}, err
		}
		return parseTimeString(s, now)
	}
	var n json.Number
	if err := json.Unmarshal(ts.raw, &n); err != nil {
		return time.Time{}, fmt.Errorf("invalid time spec %s", ts.raw)
	}
	return parseNumericEpoch(n.String())
}

func parseTimeString(s string, now time.Time) (time.Time, error) {
	switch {
	case s == "now":
		return now, nil
	case strings.HasSuffix(s, "-ago"):
		d, err := query.ParseShortDuration(strings.TrimSuffix(s, "-ago"))
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid relative time %q: %w", s, err)
		}
		return now.Add(-d), nil
	}
	if isNumeric(s) {
		return parseNumericEpoch(s)
	}
	for _, layout := range []string{time.RFC3339, "2006/01/02-15:04:05", "2006/01/02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable time %q", s)
}

// parseNumericEpoch applies the OpenTSDB convention: fractional values and
// values up to ten digits are seconds, larger integers are milliseconds.
func parseNumericEpoch(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch %q: %w", s, err)
	}
	if f < 0 {
		return time.Time{}, fmt.Errorf("negative epoch %q", s)
	}
	if strings.ContainsRune(s, '.') || f <= msEpochThreshold {
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
	return time.UnixMilli(int64(f)).UTC(), nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}
