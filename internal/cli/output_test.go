package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/labeliq/internal/model"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success("job-1", map[string]string{"result": "success"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "job-1", resp.JobID)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error(CodeNotFound, "job not found", "job-1")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeNotFound, resp.Error.Code)
	assert.Equal(t, "job not found", resp.Error.Message)
	assert.Equal(t, "job-1", resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	require.NoError(t, formatter.Success("", "Dispatched 3 group(s)"))
	assert.Equal(t, "Dispatched 3 group(s)\n", buf.String())
}

func TestOutputFormatter_TextStructIsIndentedJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	require.NoError(t, formatter.Success("", map[string]int{"count": 42}))
	assert.Equal(t, "{\n  \"count\": 42\n}\n", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	require.NoError(t, formatter.Error(CodeJob, "job failed", "extractor down"))
	assert.Contains(t, buf.String(), "Error [E004]: job failed")
	assert.NotContains(t, buf.String(), "Details:")
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	require.NoError(t, formatter.Error(CodeJob, "job failed", "extractor down"))
	assert.Contains(t, buf.String(), "Details: extractor down")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			errOut := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:    "json",
				Writer:    out,
				ErrWriter: errOut,
				Verbose:   tt.verbose,
			}

			formatter.VerboseLog("submitting job %s", "job-1")

			assert.Empty(t, out.String())
			if tt.wantLog {
				assert.Contains(t, errOut.String(), "submitting job job-1")
			} else {
				assert.Empty(t, errOut.String())
			}
		})
	}
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad config")))

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitCommandError, "failed to open ledger", errors.New("locked")))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
	assert.Equal(t, "outer: failed to open ledger: locked", wrapped.Error())
}

func TestJobView_Text(t *testing.T) {
	v := jobView{Job: model.Job{
		ID:        "job-1",
		Status:    model.StatusFailed,
		Error:     "extractor down",
		UpdatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}}
	assert.Equal(t, "Job job-1: failed\n  error:   extractor down\n  updated: 2024-03-01T12:00:00Z", v.Text())
}

func TestReportView_Text(t *testing.T) {
	v := reportView{model.ReportPayload{
		JobID: "job-1",
		Mode:  model.ModeAsIs,
		Results: map[string]model.AgentResultRecord{
			"origin_check": {Agent: "origin_check", Attempts: 3, Error: &model.Failure{Kind: model.FailureTransient, Message: "boom"}},
			"brand_check":  {Agent: "brand_check", Attempts: 1},
		},
		Summary: model.ReportSummary{ComplianceScore: 50, ChecksPassed: 1, ChecksTotal: 2, ErroredAgents: []string{"origin_check"}},
	}}

	text := v.Text()
	assert.Contains(t, text, "Report for job job-1 (AS_IS)")
	assert.Contains(t, text, "compliance score: 50.00 (1/2 checks passed)")
	assert.Contains(t, text, "error (transient after 3 attempt(s))")
	assert.Contains(t, text, "errored agents: origin_check")
	assert.Less(t, bytes.Index([]byte(text), []byte("brand_check")), bytes.Index([]byte(text), []byte("origin_check")))
}
