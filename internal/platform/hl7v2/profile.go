package hl7v2

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StringList accepts either a single YAML scalar or a sequence of scalars,
// so profiles can write `patient_id: PID-3` or a candidate list.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var ss []string
		if err := node.Decode(&ss); err != nil {
			return err
		}
		*l = StringList(ss)
		return nil
	default:
		return fmt.Errorf("hl7v2: string or list expected, got yaml kind %d", node.Kind)
	}
}

// MatchRule decides whether a profile applies to a message. Every expression
// in AnyOf is tried; one hit selects the profile.
type MatchRule struct {
	AnyOf []string `yaml:"any_of"`
}

// OBXRules describes per-analyte extraction. Paths are resolved against the
// single OBX segment being processed, never against sibling segments.
type OBXRules struct {
	Code  StringList `yaml:"code"`
	Text  StringList `yaml:"text"`
	Value StringList `yaml:"value"`
	Units StringList `yaml:"units"`
	Range StringList `yaml:"range"`
	Flags StringList `yaml:"flags"`
	When  StringList `yaml:"when"`
}

// NormalizeRules toggles post-extraction cleanup.
type NormalizeRules struct {
	TextUpper           bool `yaml:"text_upper"`
	PatientIDStripCaret bool `yaml:"patient_id_strip_carets"`
}

// ExtractRules maps message fields to extraction path candidates. The first
// candidate yielding a non-empty value wins.
type ExtractRules struct {
	PatientID   StringList `yaml:"patient_id"`
	PatientName StringList `yaml:"patient_name"`
	ExamCode    StringList `yaml:"exam_code"`
	ExamTitle   StringList `yaml:"exam_title"`
	ExamWhen    StringList `yaml:"exam_when"`
	OBX         OBXRules   `yaml:"obx"`
}

// Profile is one analyzer's parsing configuration.
type Profile struct {
	Name      string         `yaml:"name"`
	Match     MatchRule      `yaml:"match"`
	Extract   ExtractRules   `yaml:"extract"`
	Normalize NormalizeRules `yaml:"normalize"`
}

// ProfileSet is the full parsing configuration document: defaults plus an
// ordered list of profiles. Order matters; the first match wins.
type ProfileSet struct {
	Defaults ExtractRules `yaml:"defaults"`
	Profiles []Profile    `yaml:"profiles"`
}

// LoadProfileSet reads and decodes a YAML profile document from path.
func LoadProfileSet(path string) (*ProfileSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hl7v2: read profile set: %w", err)
	}
	var set ProfileSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("hl7v2: decode profile set %s: %w", path, err)
	}
	for i, p := range set.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("hl7v2: profile %d has no name", i)
		}
	}
	return &set, nil
}

// PickProfile selects the first profile whose match rule hits the message.
// No match is a hard error: a message from an unconfigured analyzer must
// surface, not silently parse with someone else's rules.
func (ps *ProfileSet) PickProfile(m *Message) (*Profile, error) {
	for i := range ps.Profiles {
		p := &ps.Profiles[i]
		for _, expr := range p.Match.AnyOf {
			ok, err := evalMatch(m, expr)
			if err != nil {
				return nil, fmt.Errorf("hl7v2: profile %q match %q: %w", p.Name, expr, err)
			}
			if ok {
				return p, nil
			}
		}
	}
	return nil, fmt.Errorf("hl7v2: no profile matches message (MSH-3=%q)", m.Resolve("MSH-3"))
}

// evalMatch evaluates one match expression of the form
// "SEG-field contains needle" (needle comparison is case-insensitive).
func evalMatch(m *Message, expr string) (bool, error) {
	parts := strings.SplitN(expr, " contains ", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("unsupported match expression")
	}
	loc := strings.TrimSpace(parts[0])
	needle := strings.TrimSpace(parts[1])
	if needle == "" {
		return false, fmt.Errorf("empty needle")
	}
	if _, err := ParsePath(loc); err != nil {
		return false, err
	}
	val := m.Resolve(loc)
	return strings.Contains(strings.ToUpper(val), strings.ToUpper(needle)), nil
}

// merged returns the profile's extraction rules with empty candidate lists
// filled from the set defaults.
func (ps *ProfileSet) merged(p *Profile) ExtractRules {
	r := p.Extract
	d := ps.Defaults
	fill := func(dst *StringList, src StringList) {
		if len(*dst) == 0 {
			*dst = src
		}
	}
	fill(&r.PatientID, d.PatientID)
	fill(&r.PatientName, d.PatientName)
	fill(&r.ExamCode, d.ExamCode)
	fill(&r.ExamTitle, d.ExamTitle)
	fill(&r.ExamWhen, d.ExamWhen)
	fill(&r.OBX.Code, d.OBX.Code)
	fill(&r.OBX.Text, d.OBX.Text)
	fill(&r.OBX.Value, d.OBX.Value)
	fill(&r.OBX.Units, d.OBX.Units)
	fill(&r.OBX.Range, d.OBX.Range)
	fill(&r.OBX.Flags, d.OBX.Flags)
	fill(&r.OBX.When, d.OBX.When)
	return r
}
