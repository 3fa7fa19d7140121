package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/labeliq/internal/ledger"
	"github.com/roach88/labeliq/internal/model"
	"github.com/roach88/labeliq/internal/testutil"
)

func setupTestLedger(t *testing.T) *ledger.Store {
	t.Helper()
	s, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// runnerLedger returns a ledger holding the processing job "job-1".
func runnerLedger(t *testing.T) *ledger.Store {
	t.Helper()
	l := setupTestLedger(t)
	require.NoError(t, l.CreateJob(context.Background(), "job-1", model.StatusProcessing, model.ModeAsIs))
	return l
}

var testQuestions = []model.Question{
	{ID: "q1", Text: "Is the common name shown?", Field: "common_name"},
	{ID: "q2", Text: "Is the net quantity shown?", Field: "net_quantity"},
}

func testUnit(ev *testutil.ScriptedEvaluator) Unit {
	u := Unit{
		JobID:     "job-1",
		Agent:     "common_name",
		Section:   "Common Name",
		Questions: testQuestions,
	}
	if ev != nil {
		u.Evaluator = ev
	}
	return u
}

func agentRow(t *testing.T, l ledger.Ledger, jobID, agent string) model.AgentResult {
	t.Helper()
	rows, err := l.ListAgentResults(context.Background(), jobID)
	require.NoError(t, err)
	for _, r := range rows {
		if r.Agent == agent {
			return r
		}
	}
	t.Fatalf("no result row for %s/%s", jobID, agent)
	return model.AgentResult{}
}

func TestRunner_FirstAttemptSucceeds(t *testing.T) {
	l := runnerLedger(t)
	r := NewRunner(l, -1, 0)
	ev := &testutil.ScriptedEvaluator{}

	rec, err := r.Run(context.Background(), testUnit(ev), model.NewFactsPayload(), 2)
	require.NoError(t, err)

	assert.Equal(t, model.AgentDone, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Len(t, rec.Results, 2)
	assert.Nil(t, rec.Error)
	assert.Equal(t, 1, ev.Calls())

	row := agentRow(t, l, "job-1", "common_name")
	assert.Equal(t, model.AgentDone, row.Status)
	require.NotNil(t, row.Payload)
	assert.Equal(t, rec, *row.Payload)
}

func TestRunner_RetriesThenSucceeds(t *testing.T) {
	l := runnerLedger(t)
	r := NewRunner(l, -1, 0)
	ev := &testutil.ScriptedEvaluator{Failures: 2}

	rec, err := r.Run(context.Background(), testUnit(ev), model.NewFactsPayload(), 2)
	require.NoError(t, err)

	assert.Equal(t, model.AgentDone, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, 3, ev.Calls())
	assert.Equal(t, model.AgentDone, agentRow(t, l, "job-1", "common_name").Status)
}

func TestRunner_DegradesAfterMaxRetries(t *testing.T) {
	l := runnerLedger(t)
	r := NewRunner(l, -1, 0)
	ev := &testutil.ScriptedEvaluator{Failures: 100}

	rec, err := r.Run(context.Background(), testUnit(ev), model.NewFactsPayload(), 2)
	require.NoError(t, err, "evaluator failures must not surface as errors")

	assert.Equal(t, 3, ev.Calls(), "maxRetries=2 means three attempts")
	assert.Equal(t, model.AgentError, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	require.NotNil(t, rec.Error)
	assert.Equal(t, model.FailureTransient, rec.Error.Kind)

	require.Len(t, rec.Results, len(testQuestions))
	for i, q := range rec.Results {
		assert.Equal(t, testQuestions[i].ID, q.ID)
		assert.Equal(t, model.ResultNeedsReview, q.Result)
		assert.Contains(t, q.Rationale, "Agent error: ")
	}

	row := agentRow(t, l, "job-1", "common_name")
	assert.Equal(t, model.AgentError, row.Status)
	require.NotNil(t, row.Payload)
	assert.Equal(t, model.AgentError, row.Payload.Status)
}

func TestRunner_ZeroRetries(t *testing.T) {
	l := runnerLedger(t)
	r := NewRunner(l, -1, 0)
	ev := &testutil.ScriptedEvaluator{Failures: 1}

	rec, err := r.Run(context.Background(), testUnit(ev), model.NewFactsPayload(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, ev.Calls())
	assert.Equal(t, model.AgentError, rec.Status)
}

func TestRunner_PanicIsCaptured(t *testing.T) {
	l := runnerLedger(t)
	r := NewRunner(l, -1, 0)
	ev := &testutil.ScriptedEvaluator{Failures: 100, Panic: true}

	rec, err := r.Run(context.Background(), testUnit(ev), model.NewFactsPayload(), 1)
	require.NoError(t, err)
	assert.Equal(t, model.AgentError, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, model.FailurePanic, rec.Error.Kind)
	assert.Equal(t, 2, ev.Calls())
}

func TestRunner_AttemptTimeout(t *testing.T) {
	l := runnerLedger(t)
	r := NewRunner(l, -1, 20*time.Millisecond)
	ev := &testutil.ScriptedEvaluator{Delay: time.Second}

	rec, err := r.Run(context.Background(), testUnit(ev), model.NewFactsPayload(), 0)
	require.NoError(t, err)
	assert.Equal(t, model.AgentError, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, model.FailureTimeout, rec.Error.Kind)
}

func TestRunner_MissingEvaluator(t *testing.T) {
	l := runnerLedger(t)
	r := NewRunner(l, -1, 0)

	rec, err := r.Run(context.Background(), testUnit(nil), model.NewFactsPayload(), 1)
	require.NoError(t, err)
	assert.Equal(t, model.AgentError, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
}

func TestRunner_CanceledBetweenAttempts(t *testing.T) {
	l := runnerLedger(t)
	r := NewRunner(l, time.Hour, 0)
	ev := &testutil.ScriptedEvaluator{Failures: 100}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, testUnit(ev), model.NewFactsPayload(), 3)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, ev.Calls())
	assert.Equal(t, model.AgentRunning, agentRow(t, l, "job-1", "common_name").Status)
}

func TestRunner_FixedDelay(t *testing.T) {
	l := runnerLedger(t)
	r := NewRunner(l, 5*time.Millisecond, 0)
	var waits []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	ev := &testutil.ScriptedEvaluator{Failures: 100}

	_, err := r.Run(context.Background(), testUnit(ev), model.NewFactsPayload(), 3)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 5 * time.Millisecond, 5 * time.Millisecond}, waits)
}
