// Package orders syncs laboratory orders from the remote system and
// resolves incoming analyzer results against them.
package orders

// Exam statuses.
const (
	StatusPending  = "PENDING"
	StatusResulted = "RESULTED"
	StatusSent     = "SENT"
)

// Patient is one row of the patients table.
type Patient struct {
	Documento       string
	Nombre          string
	Sexo            string
	FechaNacimiento string
}

// Exam is one laboratory order line.
type Exam struct {
	ID              int64
	PacienteDoc     string
	ProtocoloCodigo string
	ProtocoloTitulo string
	Tubo            string
	TuboMuestra     string
	Fecha           string
	Hora            string
	Status          string
	ResultValue     string
	ResultXML       string
}

// OrderExam is one exam element of the downloaded orders document.
type OrderExam struct {
	ID              string `xml:"id"`
	ProtocoloCodigo string `xml:"protocolo_codigo"`
	ProtocoloTitulo string `xml:"protocolo_titulo"`
	Tubo            string `xml:"tubo"`
	TuboMuestra     string `xml:"tubo_muestra"`
	Fecha           string `xml:"fecha"`
	Hora            string `xml:"hora"`
	Paciente        string `xml:"paciente"`
	Nombre          string `xml:"nombre"`
	Sexo            string `xml:"sexo"`
	Edad            string `xml:"edad"`
	FechaNacimiento string `xml:"fecha_nacimiento"`
}

// OrderRecord groups the downloaded exams of one patient.
type OrderRecord struct {
	Documento string
	Examenes  []OrderExam
}

// ExamQuery carries the keys used to resolve a result to an order, tried in
// order: sample tube, patient document plus protocol, patient name plus
// protocol.
type ExamQuery struct {
	TuboMuestra     string
	PacienteDoc     string
	NombrePaciente  string
	ProtocoloCodigo string
}
