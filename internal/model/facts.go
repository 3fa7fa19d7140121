package model

import "time"

// Field is one extracted value with its confidence.
type Field struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	Page       int     `json:"page,omitempty"`
}

// Image is one source image of a manifest.
type Image struct {
	Path     string `json:"path"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"-"`
}

// FactsPayload is the merged extraction output for a job. It is written
// once by the extraction phase and read by every group.
type FactsPayload struct {
	JobID           string             `json:"job_id,omitempty"`
	Mode            Mode               `json:"mode,omitempty"`
	Text            string             `json:"text"`
	Fields          map[string]Field   `json:"fields"`
	FieldsAll       map[string][]Field `json:"fields_all"`
	Panels          map[string]Field   `json:"panels"`
	Translated      map[string]string  `json:"translated,omitempty"`
	ProductMetadata map[string]any     `json:"product_metadata,omitempty"`
	Tags            []string           `json:"tags,omitempty"`
	SourceImages    []string           `json:"source_images,omitempty"`
}

// NewFactsPayload returns an empty payload with initialized maps.
func NewFactsPayload() FactsPayload {
	return FactsPayload{
		Fields:    map[string]Field{},
		FieldsAll: map[string][]Field{},
		Panels:    map[string]Field{},
	}
}

// FieldText returns the text of a field, or "" if absent.
func (f FactsPayload) FieldText(name string) string {
	return f.Fields[name].Text
}

// ReportSummary aggregates question-level results across agents.
type ReportSummary struct {
	ComplianceScore float64  `json:"compliance_score"`
	ChecksPassed    int      `json:"checks_passed"`
	ChecksTotal     int      `json:"checks_total"`
	ErroredAgents   []string `json:"errored_agents"`
}

// ReportPayload is the assembled compliance report for a job.
type ReportPayload struct {
	JobID     string                       `json:"job_id"`
	Mode      Mode                         `json:"mode,omitempty"`
	CreatedAt time.Time                    `json:"created_at"`
	Facts     FactsPayload                 `json:"label_facts"`
	Results   map[string]AgentResultRecord `json:"results"`
	Summary   ReportSummary                `json:"summary"`
}
