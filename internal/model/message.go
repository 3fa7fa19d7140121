package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Manifest is the ingress document that starts a job.
type Manifest struct {
	JobID           string         `json:"job_id"`
	Mode            string         `json:"mode,omitempty"`
	Images          []string       `json:"images" validate:"min=1,dive,required"`
	ProductMetadata map[string]any `json:"product_metadata,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	CreatedAt       string         `json:"created_at,omitempty"`
}

// FanOutMessage asks a worker to execute one group of a job.
type FanOutMessage struct {
	JobID     string `json:"job_id" validate:"required"`
	Group     string `json:"group" validate:"required"`
	FactsPath string `json:"facts_path" validate:"required"`
}

// GroupDoneStatus is the only status a group-done message carries.
const GroupDoneStatus = "done"

// GroupDoneMessage signals that one group of a job finished.
type GroupDoneMessage struct {
	JobID           string   `json:"job_id" validate:"required"`
	Group           string   `json:"group" validate:"required"`
	Status          string   `json:"status" validate:"eq=done"`
	AgentsCompleted []string `json:"agents_completed"`
}

// Validate checks struct tags on a manifest or message.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid %T: %s", v, strings.Join(parts, "; "))
		}
		return fmt.Errorf("invalid %T: %w", v, err)
	}
	return nil
}

// IngestOutcome is the response to an ingress event.
type IngestOutcome struct {
	Ignored    bool   `json:"ignored,omitempty"`
	Reason     string `json:"reason,omitempty"`
	JobID      string `json:"job_id,omitempty"`
	Dispatched int    `json:"dispatched,omitempty"`
	FactsPath  string `json:"facts_path,omitempty"`
}

// FanOutOutcome is the response to a fan-out delivery.
type FanOutOutcome struct {
	Ignored         bool     `json:"ignored,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	Processed       bool     `json:"processed,omitempty"`
	AgentsCompleted []string `json:"agents_completed,omitempty"`
}

// FanInOutcome is the response to a group-done delivery.
type FanInOutcome struct {
	Ignored    bool   `json:"ignored,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Waiting    bool   `json:"waiting,omitempty"`
	Completed  int    `json:"completed,omitempty"`
	Total      int    `json:"total,omitempty"`
	Assembled  bool   `json:"assembled,omitempty"`
	ReportPath string `json:"report_path,omitempty"`
}

// Ignore reasons shared by handlers and tests.
const (
	ReasonGroupDone       = "group already done"
	ReasonGroupInProgress = "group already claimed"
	ReasonJobDone         = "job already done"
	ReasonDuplicateSignal = "group already counted"
	ReasonFinalizeClaimed = "finalize already claimed"
	ReasonJobInProgress   = "job already in progress or done"
	ReasonNotManifest     = "not a manifest object"
	ReasonInvalidManifest = "invalid manifest"
	ReasonWrongBucket     = "wrong bucket"
	ReasonUnknownGroup    = "unknown group"
	ReasonUnknownJob      = "unknown job"
)
