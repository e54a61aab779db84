// Package duedate parses human-friendly due date expressions such as
// "tomorrow", "next friday", or "in 2 weeks", falling back to common
// absolute formats.
package duedate

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// absoluteFormats are tried before natural-language parsing.
var absoluteFormats = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04",
	"01/02/2006",
}

// Parser resolves due date expressions relative to a clock.
type Parser struct {
	w   *when.Parser
	now func() time.Time
}

// NewParser creates a parser using the real clock.
func NewParser() *Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return &Parser{w: w, now: time.Now}
}

// WithClock overrides the reference clock, for deterministic tests.
func (p *Parser) WithClock(now func() time.Time) *Parser {
	p.now = now
	return p
}

// Parse resolves text to a due date. Dates given without a time of
// day land on end of day local time, matching how a due date reads on
// a board.
func (p *Parser) Parse(text string) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, fmt.Errorf("empty due date")
	}

	for _, layout := range absoluteFormats {
		if t, err := time.ParseInLocation(layout, text, time.Local); err == nil {
			if layout == "2006-01-02" || layout == "01/02/2006" {
				return endOfDay(t), nil
			}
			return t, nil
		}
	}

	r, err := p.w.Parse(text, p.now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse due date %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand due date %q", text)
	}

	t := r.Time
	// The parser leaves the reference clock's time of day on
	// date-only expressions like "tomorrow".
	ref := p.now()
	if t.Hour() == ref.Hour() && t.Minute() == ref.Minute() {
		return endOfDay(t), nil
	}
	return t, nil
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}
