// Package mapping resolves analyzer-local test codes to the client codes
// used by the remote laboratory system. The primary source is a JSON
// document keyed by analyzer; a legacy SQL code map is kept as an
// alternative source.
package mapping

import (
	"strings"
	"unicode"
)

// Entry is one analyzer-code-to-client-code binding.
type Entry struct {
	ClientCode  string `json:"client_code"`
	ClientTitle string `json:"client_title"`
}

// Analyzer groups the aliases and the code map of one instrument.
type Analyzer struct {
	Aliases []string         `json:"aliases"`
	Map     map[string]Entry `json:"map"`
}

// Document is the full mapping file.
type Document struct {
	Analyzers map[string]Analyzer `json:"analyzers"`
}

// Signature types of the legacy SQL code map, in lookup priority order.
const (
	SigOBRCode = "OBR_CODE"
	SigOBXCode = "OBX_CODE"
	SigOBXText = "OBX_TEXT"
)

// Normalize uppercases and strips every non-alphanumeric rune, so that
// "Icon-3", "ICON 3", and "icon3" all address the same analyzer.
func Normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
