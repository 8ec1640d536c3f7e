package dispatch

import (
	"encoding/xml"
	"fmt"
	"strings"
	"unicode"
)

type logEnvio struct {
	XMLName          xml.Name `xml:"log_envio"`
	IDExamen         string   `xml:"idexamen"`
	Paciente         string   `xml:"paciente"`
	Fecha            string   `xml:"fecha"`
	Texto            string   `xml:"texto"`
	ValorCualitativo string   `xml:"valor_cualitativo"`
	ValorReferencia  string   `xml:"valor_referencia"`
	ValorAdicional   string   `xml:"valor_adicional"`
}

// BuildLogEnvio renders the flat audit/send payload for one analyte. The
// date is emitted compact (YYYYMMDD) regardless of input form.
func BuildLogEnvio(examID int64, paciente, fecha, texto, valor, refRange, adicional string) (string, error) {
	doc := logEnvio{
		IDExamen:         fmt.Sprintf("%d", examID),
		Paciente:         paciente,
		Fecha:            CompactDate(fecha),
		Texto:            texto,
		ValorCualitativo: valor,
		ValorReferencia:  refRange,
		ValorAdicional:   adicional,
	}
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return xml.Header + string(body) + "\n", nil
}

// CompactDate reduces a date to its digits, truncated to YYYYMMDD.
// "2024-05-10", "2024/05/10" and "20240510101500" all become "20240510".
func CompactDate(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	d := b.String()
	if len(d) > 8 {
		d = d[:8]
	}
	return d
}
