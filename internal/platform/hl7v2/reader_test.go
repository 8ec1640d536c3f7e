package hl7v2

import "testing"

func TestGuessAnalyzer(t *testing.T) {
	cases := []struct{ msh3, want string }{
		{"ICON-3", "ICON3"},
		{"icon-3 hematology", "ICON3"},
		{"QIANALYZER", "FINECARE"},
		{"FS114", "FINECARE"},
		{"F114", "FINECARE"},
		{"MINDRAY BC-20", "DEFAULT"},
		{"", "DEFAULT"},
	}
	for _, c := range cases {
		if got := GuessAnalyzer(c.msh3); got != c.want {
			t.Errorf("GuessAnalyzer(%q) = %q, want %q", c.msh3, got, c.want)
		}
	}
}

func TestRead_Finecare(t *testing.T) {
	msg, err := Parse([]byte(finecareMsg))
	if err != nil {
		t.Fatal(err)
	}
	res := Read(msg, "")

	if res.Analyzer != "FINECARE" {
		t.Errorf("analyzer: %s", res.Analyzer)
	}
	if res.PID.Doc != "987654" {
		t.Errorf("doc should come from PID-19: %q", res.PID.Doc)
	}
	if res.PID.Name != "PEREZ" {
		t.Errorf("name: %q", res.PID.Name)
	}
	if res.OBR.ProtoCode != "CRP" || res.OBR.ProtoText != "Proteina C Reactiva" {
		t.Errorf("protocol: %q / %q", res.OBR.ProtoCode, res.OBR.ProtoText)
	}
	if res.OBR.TubeCode != "TUBO-55" {
		t.Errorf("tube: %q", res.OBR.TubeCode)
	}
	if res.OBR.When != "2024-05-10T09:25:00" {
		t.Errorf("obr when: %q", res.OBR.When)
	}
	if len(res.OBX) != 1 {
		t.Fatalf("obx count: %d", len(res.OBX))
	}
	obx := res.OBX[0]
	if obx.AnalyzerCode != "CRP" || obx.AnalyzerText != "Proteina C Reactiva" {
		t.Errorf("obx id: %+v", obx)
	}
	if obx.Value != "4.8" || obx.Units != "mg/L" {
		t.Errorf("obx value/units: %+v", obx)
	}
	if obx.When != "2024-05-10T09:28:00" {
		t.Errorf("obx when: %q", obx.When)
	}
}

func TestRead_Icon3(t *testing.T) {
	msg, _ := Parse([]byte(icon3Msg))
	res := Read(msg, "")

	if res.Analyzer != "ICON3" {
		t.Errorf("analyzer: %s", res.Analyzer)
	}
	// No PID segment: the name comes from the labeled note.
	if res.PID.Name != "juancho correlon" {
		t.Errorf("note-based name: %q", res.PID.Name)
	}
	if res.PID.Doc != "" {
		t.Errorf("doc should be empty: %q", res.PID.Doc)
	}
	if res.OBR.ProtoCode != "CBC" || res.OBR.ProtoText != "Hemograma" {
		t.Errorf("protocol fallback comps: %q / %q", res.OBR.ProtoCode, res.OBR.ProtoText)
	}
	if len(res.OBX) != 2 {
		t.Fatalf("obx count: %d", len(res.OBX))
	}
	// OBX-4 is index^text; a digit-only code collapses to the text.
	if res.OBX[0].AnalyzerCode != "WBC" || res.OBX[0].AnalyzerText != "WBC" {
		t.Errorf("first obx id: %+v", res.OBX[0])
	}
	if res.OBX[1].AnalyzerCode != "HGB" {
		t.Errorf("second obx id: %+v", res.OBX[1])
	}
	if res.OBX[0].Units != "10e9/L" {
		t.Errorf("units from component 2: %q", res.OBX[0].Units)
	}
}

func TestRead_AliasOverride(t *testing.T) {
	msg, _ := Parse([]byte(finecareMsg))
	res := Read(msg, "CUSTOM")
	if res.Analyzer != "CUSTOM" {
		t.Errorf("override ignored: %s", res.Analyzer)
	}
}

func TestToISO(t *testing.T) {
	cases := []struct{ in, want string }{
		{"20240510092500", "2024-05-10T09:25:00"},
		{"202405100925", "2024-05-10T09:25:00"},
		{"20240510", "2024-05-10T00:00:00"},
		{"garbage", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := ToISO(c.in); got != c.want {
			t.Errorf("ToISO(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSplitTimestamp(t *testing.T) {
	cases := []struct {
		in, date, clock string
	}{
		{"2024-05-10T09:25:00", "2024-05-10", "09:25:00"},
		{"2024-05-10", "2024-05-10", "00:00:00"},
		{"20240510092500", "2024-05-10", "09:25:00"},
		{"202405100925", "2024-05-10", "09:25:00"},
		{"20240510", "2024-05-10", "00:00:00"},
		{"", "", ""},
		{"nope", "", ""},
	}
	for _, c := range cases {
		d, clk := SplitTimestamp(c.in)
		if d != c.date || clk != c.clock {
			t.Errorf("SplitTimestamp(%q) = (%q, %q), want (%q, %q)", c.in, d, clk, c.date, c.clock)
		}
	}
}
