// Package hl7v2 implements the subset of HL7 version 2 needed to integrate
// laboratory analyzers: MLLP framing over TCP, a pipe/caret segment model,
// a profile-driven field extractor, and a fixed-shape reader for the two
// supported analyzer families.
package hl7v2

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	fieldSep     = "|"
	componentSep = "^"
)

// Segment is a single HL7 segment split on the field separator.
// fields[0] is the segment name itself.
type Segment struct {
	Name   string
	fields []string
}

// Message is a parsed HL7v2 message: an ordered list of segments.
type Message struct {
	Segments []Segment
	raw      string
}

// Parse splits raw HL7 text into segments. It accepts \r, \n, and \r\n as
// segment terminators and skips blank lines.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	text := string(raw)
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	msg := &Message{raw: text}
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, fieldSep)
		msg.Segments = append(msg.Segments, Segment{
			Name:   strings.ToUpper(strings.TrimSpace(fields[0])),
			fields: fields,
		})
	}

	if len(msg.Segments) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}
	return msg, nil
}

// Raw returns the normalized message text.
func (m *Message) Raw() string { return m.raw }

// Segment returns the first segment with the given name, or nil.
func (m *Message) Segment(name string) *Segment {
	name = strings.ToUpper(name)
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// AllSegments returns every segment with the given name, in message order.
func (m *Message) AllSegments(name string) []Segment {
	name = strings.ToUpper(name)
	var out []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			out = append(out, seg)
		}
	}
	return out
}

// Field returns the value of a field by its 1-based HL7 index.
//
// MSH indexing is offset by one position: MSH-1 is the field separator
// itself and is consumed by the split, so MSH-2 lives at slice index 1,
// MSH-3 at index 2, and so on. All other segments map field N to slice
// index N directly (index 0 is the segment name).
func (s *Segment) Field(idx int) string {
	if idx < 1 {
		return ""
	}
	real := idx
	if s.Name == "MSH" {
		if idx < 2 {
			return ""
		}
		real = idx - 1
	}
	if real >= len(s.fields) {
		return ""
	}
	return strings.TrimSpace(s.fields[real])
}

// Component returns the 1-based component of a 1-based field.
func (s *Segment) Component(fieldIdx, compIdx int) string {
	val := s.Field(fieldIdx)
	if val == "" || compIdx < 1 {
		return ""
	}
	comps := strings.Split(val, componentSep)
	if compIdx > len(comps) {
		return ""
	}
	return strings.TrimSpace(comps[compIdx-1])
}

// ---------------------------------------------------------------------------
// Field paths
// ---------------------------------------------------------------------------

// Path addresses one value inside a message. Two forms are supported:
//
//	SEG-field            e.g. "OBX-5"
//	SEG-field.component  e.g. "PID-3.2"
//	NTE[label=Name]      labeled-note lookup: the NTE segment whose
//	                     fifth field's second component equals the label;
//	                     the value is that segment's fourth field.
type Path struct {
	Segment  string
	Field    int
	Comp     int // 0 when no component index was given
	NteLabel string
}

var nteLabelRe = regexp.MustCompile(`^NTE\[label=([A-Za-z0-9 _#-]+)\]$`)

// ParsePath parses a path expression.
func ParsePath(expr string) (Path, error) {
	expr = strings.TrimSpace(expr)
	if m := nteLabelRe.FindStringSubmatch(expr); m != nil {
		return Path{Segment: "NTE", NteLabel: m[1]}, nil
	}

	seg, rest, ok := strings.Cut(expr, "-")
	if !ok {
		return Path{}, fmt.Errorf("hl7v2: invalid path %q", expr)
	}
	p := Path{Segment: strings.ToUpper(strings.TrimSpace(seg))}

	fieldStr, compStr, hasComp := strings.Cut(rest, ".")
	f, err := strconv.Atoi(strings.TrimSpace(fieldStr))
	if err != nil {
		return Path{}, fmt.Errorf("hl7v2: invalid field index in path %q", expr)
	}
	p.Field = f
	if hasComp {
		c, err := strconv.Atoi(strings.TrimSpace(compStr))
		if err != nil {
			return Path{}, fmt.Errorf("hl7v2: invalid component index in path %q", expr)
		}
		p.Comp = c
	}
	return p, nil
}

// Resolve evaluates a path against the whole message. For repeated segments
// the first one yielding a non-empty value wins. Invalid paths resolve to "".
func (m *Message) Resolve(expr string) string {
	p, err := ParsePath(expr)
	if err != nil {
		return ""
	}
	if p.NteLabel != "" {
		return m.noteByLabel(p.NteLabel)
	}
	for _, seg := range m.AllSegments(p.Segment) {
		if v := resolveIn(&seg, p); v != "" {
			return v
		}
	}
	return ""
}

// ResolveIn evaluates a path against one specific segment. Paths naming a
// different segment type resolve to "", which keeps per-analyte extraction
// scoped to the analyte segment being processed.
func (s *Segment) ResolveIn(expr string) string {
	p, err := ParsePath(expr)
	if err != nil || p.NteLabel != "" || p.Segment != s.Name {
		return ""
	}
	return resolveIn(s, p)
}

func resolveIn(s *Segment, p Path) string {
	if p.Comp > 0 {
		return s.Component(p.Field, p.Comp)
	}
	return s.Field(p.Field)
}

// noteByLabel finds the NTE segment whose NTE-5.2 equals the label and
// returns its NTE-4 value. Analyzers without structured demographics send
// patient data this way, e.g. NTE|Comment1||juancho correlon|1^Name.
func (m *Message) noteByLabel(label string) string {
	label = strings.TrimSpace(label)
	for _, nte := range m.AllSegments("NTE") {
		if nte.Component(5, 2) == label {
			if v := nte.Field(4); v != "" {
				return v
			}
		}
	}
	return ""
}
