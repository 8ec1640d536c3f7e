package dispatch

import (
	"strings"
	"testing"
)

func TestBuildLogEnvio(t *testing.T) {
	payload, err := BuildLogEnvio(9001, "123456", "2024-05-10", "PLCC", "4.8", "0-5", "mg/L")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"<log_envio>",
		"<idexamen>9001</idexamen>",
		"<paciente>123456</paciente>",
		"<fecha>20240510</fecha>",
		"<texto>PLCC</texto>",
		"<valor_cualitativo>4.8</valor_cualitativo>",
		"<valor_referencia>0-5</valor_referencia>",
		"<valor_adicional>mg/L</valor_adicional>",
	} {
		if !strings.Contains(payload, want) {
			t.Errorf("payload missing %s:\n%s", want, payload)
		}
	}
	if !strings.HasPrefix(payload, "<?xml") {
		t.Error("missing xml declaration")
	}
}

func TestBuildLogEnvio_EscapesMarkup(t *testing.T) {
	payload, err := BuildLogEnvio(1, "", "", "A<B", "1", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(payload, "<texto>A<B</texto>") {
		t.Error("markup not escaped")
	}
	if !strings.Contains(payload, "A&lt;B") {
		t.Errorf("expected escaped text:\n%s", payload)
	}
}

func TestCompactDate(t *testing.T) {
	cases := []struct{ in, want string }{
		{"2024-05-10", "20240510"},
		{"2024/05/10", "20240510"},
		{"20240510", "20240510"},
		{"2024-05-10 10:15:00", "20240510"},
		{"", ""},
		{"n/a", ""},
	}
	for _, c := range cases {
		if got := CompactDate(c.in); got != c.want {
			t.Errorf("CompactDate(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
