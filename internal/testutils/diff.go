package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// TestingT is the subset of *testing.T the assertions need.
type TestingT interface {
	Helper()
	Errorf(format string, args ...any)
}

type textOptions struct {
	TrimSpace                bool `default:"false"`
	IgnoreTrailingWhitespace bool `default:"false"`
	Colors                   bool `default:"false"`
}

// TextOption tunes TextDiff.
type TextOption func(*textOptions)

// WithTrimSpace trims the whole text before comparing.
func WithTrimSpace() TextOption { return func(o *textOptions) { o.TrimSpace = true } }

// WithIgnoreTrailingWhitespace trims spaces and tabs at each line end.
func WithIgnoreTrailingWhitespace() TextOption {
	return func(o *textOptions) { o.IgnoreTrailingWhitespace = true }
}

// WithColors paints the diff and makes tabs and spaces visible.
func WithColors() TextOption { return func(o *textOptions) { o.Colors = true } }

// TextDiff returns a unified diff from expected to actual, or "" when they match.
func TextDiff(expected, actual string, opts ...TextOption) string {
	var o textOptions
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}

	expected, actual = o.normalize(expected), o.normalize(actual)
	if expected == actual {
		return ""
	}
	edits := myers.ComputeEdits("", expected, actual)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", expected, edits))
	if !o.Colors {
		return unified
	}
	return paintDiff(unified)
}

func (o textOptions) normalize(s string) string {
	if o.TrimSpace {
		s = strings.TrimSpace(s)
	}
	if !o.IgnoreTrailingWhitespace {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.Join(lines, "\n")
}

func paintDiff(diff string) string {
	removed := color.New(color.FgRed)
	added := color.New(color.FgGreen)
	hunk := color.New(color.FgCyan)
	for _, c := range []*color.Color{removed, added, hunk} {
		c.EnableColor()
	}
	visible := strings.NewReplacer(" ", "·", "\t", "→")

	lines := strings.Split(diff, "\n")
	for i, l := range lines {
		switch {
		case strings.HasPrefix(l, "---"), strings.HasPrefix(l, "+++"):
		case strings.HasPrefix(l, "@@"):
			lines[i] = hunk.Sprint(l)
		case strings.HasPrefix(l, "-"):
			lines[i] = removed.Sprint(visible.Replace(l))
		case strings.HasPrefix(l, "+"):
			lines[i] = added.Sprint(visible.Replace(l))
		}
	}
	return strings.Join(lines, "\n")
}

// AssertText fails t with a unified diff when the texts differ.
func AssertText(t TestingT, expected, actual string, opts ...TextOption) bool {
	t.Helper()
	if d := TextDiff(expected, actual, opts...); d != "" {
		t.Errorf("text mismatch:\n%s", d)
		return false
	}
	return true
}

// JSONDiff compares two JSON documents structurally. Object keys named in
// ignored are dropped at every depth on both sides first.
func JSONDiff(expected, actual string, ignored ...string) (string, error) {
	var left, right any
	if err := json.Unmarshal([]byte(expected), &left); err != nil {
		return "", fmt.Errorf("invalid expected JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(actual), &right); err != nil {
		return "", fmt.Errorf("invalid actual JSON: %w", err)
	}
	for _, key := range ignored {
		dropKey(left, key)
		dropKey(right, key)
	}

	// gojsondiff only compares objects at the root
	l := map[string]any{"value": left}
	r := map[string]any{"value": right}
	d := gojsondiff.New().CompareObjects(l, r)
	if !d.Modified() {
		return "", nil
	}
	return formatter.NewAsciiFormatter(l, formatter.AsciiFormatterConfig{ShowArrayIndex: true}).Format(d)
}

func dropKey(v any, key string) {
	switch x := v.(type) {
	case map[string]any:
		delete(x, key)
		for _, child := range x {
			dropKey(child, key)
		}
	case []any:
		for _, child := range x {
			dropKey(child, key)
		}
	}
}

// AssertJSON fails t with a structural diff when the documents differ.
func AssertJSON(t TestingT, expected, actual string, ignored ...string) bool {
	t.Helper()
	d, err := JSONDiff(expected, actual, ignored...)
	if err != nil {
		t.Errorf("%v", err)
		return false
	}
	if d != "" {
		t.Errorf("JSON mismatch:\n%s", d)
		return false
	}
	return true
}
