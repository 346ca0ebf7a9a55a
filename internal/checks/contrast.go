package checks

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// WCAGLevel selects the contrast floor.
type WCAGLevel string

// Supported conformance levels.
const (
	WCAGAA  WCAGLevel = "AA"
	WCAGAAA WCAGLevel = "AAA"
)

type rgba struct {
	r, g, b, a float64
}

var white = rgba{255, 255, 255, 1}

// parseCSSColor understands the rgb()/rgba() forms getComputedStyle produces, plus
// "transparent".
func parseCSSColor(s string) (rgba, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "transparent" {
		return rgba{}, nil
	}
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return rgba{}, fmt.Errorf("unsupported color %q", s)
	}
	switch s[:open] {
	case "rgb", "rgba":
	default:
		return rgba{}, fmt.Errorf("unsupported color %q", s)
	}
	body := strings.NewReplacer(",", " ", "/", " ").Replace(s[open+1 : len(s)-1])
	fields := strings.Fields(body)
	if len(fields) != 3 && len(fields) != 4 {
		return rgba{}, fmt.Errorf("unsupported color %q", s)
	}
	vals := make([]float64, 4)
	vals[3] = 1
	for i, f := range fields {
		pct := strings.HasSuffix(f, "%")
		v, err := strconv.ParseFloat(strings.TrimSuffix(f, "%"), 64)
		if err != nil {
			return rgba{}, fmt.Errorf("parse color %q: %w", s, err)
		}
		switch {
		case pct && i == 3:
			v /= 100
		case pct:
			v = v * 255 / 100
		}
		vals[i] = v
	}
	return rgba{vals[0], vals[1], vals[2], vals[3]}, nil
}

// over composites c onto an opaque background.
func (c rgba) over(bg rgba) rgba {
	return rgba{
		r: c.r*c.a + bg.r*(1-c.a),
		g: c.g*c.a + bg.g*(1-c.a),
		b: c.b*c.a + bg.b*(1-c.a),
		a: 1,
	}
}

func channel(v float64) float64 {
	v /= 255
	if v <= 0.03928 {
		return v / 12.92
	}
	return math.Pow((v+0.055)/1.055, 2.4)
}

func (c rgba) luminance() float64 {
	return 0.2126*channel(c.r) + 0.7152*channel(c.g) + 0.0722*channel(c.b)
}

// contrastRatio is the WCAG ratio between two opaque colors, from 1 to 21.
func contrastRatio(a, b rgba) float64 {
	la, lb := a.luminance(), b.luminance()
	if la < lb {
		la, lb = lb, la
	}
	return (la + 0.05) / (lb + 0.05)
}

// isLargeText reports WCAG large-scale text: 24px, or 18.66px when bold.
func isLargeText(fontSizePx float64, fontWeight int) bool {
	return fontSizePx >= 24 || (fontSizePx >= 18.66 && fontWeight >= 700)
}

// requiredContrast is the minimum ratio for the level and text size.
func requiredContrast(level WCAGLevel, large bool) float64 {
	switch {
	case level == WCAGAAA && large:
		return 4.5
	case level == WCAGAAA:
		return 7
	case large:
		return 3
	default:
		return 4.5
	}
}
