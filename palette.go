package displaycore

import "strings"

// Color schemes understood by the renderer.
const (
	SchemeRed    = "RED"
	SchemeOrange = "ORANGE"
	SchemeAmber  = "AMBER"
	SchemeBlue   = "BLUE"
	SchemeGreen  = "GREEN"
	SchemePurple = "PURPLE"
	SchemeDark   = "DARK"
)

// colorSchemes maps normalized colors (lowercase, trimmed) to schemes.
var colorSchemes = map[string]string{
	"red":     SchemeRed,
	"#f44336": SchemeRed,
	"#e53935": SchemeRed,
	"#d32f2f": SchemeRed,
	"#b71c1c": SchemeRed,
	"orange":  SchemeOrange,
	"#ff9800": SchemeOrange,
	"#fb8c00": SchemeOrange,
	"#f57c00": SchemeOrange,
	"amber":   SchemeAmber,
	"#ffc107": SchemeAmber,
	"#ffb300": SchemeAmber,
	"blue":    SchemeBlue,
	"#2196f3": SchemeBlue,
	"#1e88e5": SchemeBlue,
	"#1976d2": SchemeBlue,
	"green":   SchemeGreen,
	"#4caf50": SchemeGreen,
	"#43a047": SchemeGreen,
	"#388e3c": SchemeGreen,
	"purple":  SchemePurple,
	"#9c27b0": SchemePurple,
	"#8e24aa": SchemePurple,
	"black":   SchemeDark,
	"#000000": SchemeDark,
	"#212121": SchemeDark,
}

// InferColorScheme looks color up in the fixed palette. Matching is exact
// after lowercasing and trimming whitespace.
func InferColorScheme(color string) (string, bool) {
	scheme, ok := colorSchemes[strings.ToLower(strings.TrimSpace(color))]
	return scheme, ok
}
