package hl7v2

import (
	"strings"
	"time"
	"unicode"
)

// ReaderPID carries the patient identification block.
type ReaderPID struct {
	PatientID string
	Doc       string
	Name      string
	Sex       string
	BirthDate string
}

// ReaderOBR carries the order block, taken from the first OBR segment.
type ReaderOBR struct {
	Placer    string
	Filler    string
	ProtoCode string
	ProtoText string
	TubeCode  string
	When      string // ISO timestamp, "" when absent or unparseable
}

// ReaderOBX is one observation row.
type ReaderOBX struct {
	SetID        string
	AnalyzerCode string
	AnalyzerText string
	Value        string
	Units        string
	RefRange     string
	Flags        string
	When         string // ISO
}

// ReaderResult is the fixed-shape reading of an analyzer message.
type ReaderResult struct {
	SendingApp string
	Analyzer   string
	PID        ReaderPID
	OBR        ReaderOBR
	OBX        []ReaderOBX
}

// GuessAnalyzer maps the MSH-3 sending application to a known analyzer
// alias. Unknown senders fall through to DEFAULT rather than erroring; the
// reader path is deliberately permissive.
func GuessAnalyzer(msh3 string) string {
	m := strings.ToUpper(msh3)
	if strings.Contains(m, "ICON-3") {
		return "ICON3"
	}
	if strings.Contains(m, "QIANALYZER") || strings.Contains(m, "FS114") || strings.Contains(m, "F114") {
		return "FINECARE"
	}
	return "DEFAULT"
}

// Read extracts a result using the fixed segment layout shared by the
// supported analyzer families. analyzerAlias overrides MSH-3 guessing when
// non-empty.
func Read(m *Message, analyzerAlias string) *ReaderResult {
	res := &ReaderResult{}
	res.SendingApp = m.Resolve("MSH-3")
	if analyzerAlias != "" {
		res.Analyzer = analyzerAlias
	} else {
		res.Analyzer = GuessAnalyzer(res.SendingApp)
	}

	res.PID = readPID(m)
	res.OBR = readOBR(m)
	for _, seg := range m.AllSegments("OBX") {
		obx := seg
		res.OBX = append(res.OBX, readOBX(&obx))
	}
	return res
}

func readPID(m *Message) ReaderPID {
	pid := m.Segment("PID")
	if pid == nil {
		// Some hematology units carry the patient name in a labeled note
		// instead of a PID segment (NTE|...|juancho correlon|1^Name).
		return ReaderPID{Name: m.noteByLabel("Name")}
	}

	name := pid.Component(5, 1)
	if name == "" {
		name = pid.Field(5)
	}
	doc := pid.Field(19)
	if doc == "" {
		doc = pid.Component(3, 2)
	}
	if doc == "" {
		doc = pid.Field(3)
	}
	return ReaderPID{
		PatientID: pid.Field(3),
		Doc:       doc,
		Name:      name,
		Sex:       pid.Field(8),
		BirthDate: pid.Field(7),
	}
}

func readOBR(m *Message) ReaderOBR {
	obr := m.Segment("OBR")
	if obr == nil {
		return ReaderOBR{}
	}
	// Protocol code/text live in OBR-4 components 1/2; ICON-3 leaves those
	// empty and uses components 4/5 instead.
	code := obr.Component(4, 1)
	if code == "" {
		code = obr.Component(4, 4)
	}
	text := obr.Component(4, 2)
	if text == "" {
		text = obr.Component(4, 5)
	}
	return ReaderOBR{
		Placer:    obr.Field(2),
		Filler:    obr.Field(3),
		ProtoCode: code,
		ProtoText: text,
		TubeCode:  obr.Field(20),
		When:      ToISO(obr.Field(7)),
	}
}

func readOBX(seg *Segment) ReaderOBX {
	// Finecare sends OBX-3 = code^text; ICON-3 leaves OBX-3 empty and puts
	// index^text in OBX-4.
	idField := 3
	if seg.Field(3) == "" {
		idField = 4
	}
	code := seg.Component(idField, 1)
	text := seg.Component(idField, 2)
	if isDigits(code) && text != "" {
		code = text
	}

	units := seg.Component(6, 2)
	if units == "" {
		units = seg.Field(6)
	}
	return ReaderOBX{
		SetID:        seg.Field(1),
		AnalyzerCode: code,
		AnalyzerText: text,
		Value:        seg.Field(5),
		Units:        units,
		RefRange:     seg.Field(7),
		Flags:        seg.Field(8),
		When:         ToISO(seg.Field(14)),
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

var tsLayouts = []string{"20060102150405", "200601021504", "20060102"}

// ToISO converts an HL7 TS value to an ISO-8601 timestamp. Unparseable
// input yields "".
func ToISO(ts string) string {
	ts = strings.TrimSpace(ts)
	for _, layout := range tsLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.Format("2006-01-02T15:04:05")
		}
	}
	return ""
}

// SplitTimestamp breaks a timestamp into date and time strings. It accepts
// ISO-8601 first, then raw HL7 TS digits with missing time parts padded to
// zero. Unusable input yields two empty strings.
func SplitTimestamp(s string) (date, clock string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}

	isoLayouts := []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}
	norm := strings.TrimSuffix(s, "Z")
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, norm); err == nil {
			return t.Format("2006-01-02"), t.Format("15:04:05")
		}
	}

	var digits strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if len(d) < 8 {
		return "", ""
	}
	pick := func(from, to int) string {
		if len(d) >= to {
			return d[from:to]
		}
		return "00"
	}
	return d[0:4] + "-" + d[4:6] + "-" + d[6:8],
		pick(8, 10) + ":" + pick(10, 12) + ":" + pick(12, 14)
}
