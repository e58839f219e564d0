package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseWhen accepts RFC3339, "2006-01-02 15:04", or natural language such as
// "20 minutes ago" or "today at 6am", relative to now. Empty means now.
func parseWhen(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" || strings.EqualFold(text, "now") {
		return now, nil
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", text, now.Location()); err == nil {
		return t, nil
	}

	r, err := timeParser.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid time %q", text)
	}
	if r.Time.After(now.Add(time.Minute)) {
		return time.Time{}, fmt.Errorf("time %q is in the future", text)
	}
	return r.Time, nil
}

// parseOptionalFloat returns nil for an empty string.
func parseOptionalFloat(name, s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%s must be a number", name)
	}
	if v < 0 {
		return nil, fmt.Errorf("%s must not be negative", name)
	}
	return &v, nil
}
