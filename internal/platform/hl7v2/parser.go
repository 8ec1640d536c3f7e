package hl7v2

import (
	"fmt"
	"strings"
)

// ParsedOBX is one extracted analyte observation.
type ParsedOBX struct {
	Code  string
	Text  string
	Value string
	Units string
	Range string
	Flags string
	When  string
}

// ParsedResult is the output of profile-driven extraction.
type ParsedResult struct {
	Profile     string
	PatientID   string
	PatientName string
	ExamCode    string
	ExamTitle   string
	ExamWhen    string
	OBX         []ParsedOBX
}

// ParseConfigurable extracts a result from the message using the profile
// set: it picks the matching profile, resolves each field through its
// candidate list (first non-empty value wins), and walks every OBX segment
// with segment-scoped resolution. Any candidate naming a segment other than
// OBX contributes nothing inside the per-analyte loop.
func ParseConfigurable(m *Message, set *ProfileSet) (*ParsedResult, error) {
	profile, err := set.PickProfile(m)
	if err != nil {
		return nil, err
	}
	rules := set.merged(profile)

	res := &ParsedResult{
		Profile:     profile.Name,
		PatientID:   resolveFirst(m, rules.PatientID),
		PatientName: resolveFirst(m, rules.PatientName),
		ExamCode:    resolveFirst(m, rules.ExamCode),
		ExamTitle:   resolveFirst(m, rules.ExamTitle),
		ExamWhen:    resolveFirst(m, rules.ExamWhen),
	}

	for _, obx := range m.AllSegments("OBX") {
		seg := obx
		entry := ParsedOBX{
			Code:  resolveScoped(&seg, rules.OBX.Code),
			Text:  resolveScoped(&seg, rules.OBX.Text),
			Value: resolveScoped(&seg, rules.OBX.Value),
			Units: resolveScoped(&seg, rules.OBX.Units),
			Range: resolveScoped(&seg, rules.OBX.Range),
			Flags: resolveScoped(&seg, rules.OBX.Flags),
			When:  resolveScoped(&seg, rules.OBX.When),
		}
		if entry.When == "" {
			entry.When = res.ExamWhen
		}
		res.OBX = append(res.OBX, entry)
	}

	applyNormalize(res, profile.Normalize)
	return res, nil
}

func resolveFirst(m *Message, candidates StringList) string {
	for _, expr := range candidates {
		if v := m.Resolve(expr); v != "" {
			return v
		}
	}
	return ""
}

func resolveScoped(seg *Segment, candidates StringList) string {
	for _, expr := range candidates {
		if v := seg.ResolveIn(expr); v != "" {
			return v
		}
	}
	return ""
}

func applyNormalize(res *ParsedResult, n NormalizeRules) {
	if n.TextUpper {
		res.PatientName = strings.ToUpper(res.PatientName)
		res.ExamTitle = strings.ToUpper(res.ExamTitle)
		for i := range res.OBX {
			res.OBX[i].Text = strings.ToUpper(res.OBX[i].Text)
		}
	}
	// Only wrapping carets are stripped; interior carets are part of a
	// composite value and must survive.
	if n.PatientIDStripCaret {
		res.PatientID = strings.Trim(res.PatientID, componentSep)
	}
}

// Describe renders a compact one-line summary for logs.
func (r *ParsedResult) Describe() string {
	return fmt.Sprintf("profile=%s patient=%s exam=%s obx=%d",
		r.Profile, r.PatientID, r.ExamCode, len(r.OBX))
}
