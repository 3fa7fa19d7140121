package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/labeliq/internal/docstore"
	"github.com/roach88/labeliq/internal/ledger"
	"github.com/roach88/labeliq/internal/model"
	"github.com/roach88/labeliq/internal/queue/local"
)

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger is required")
}

func TestIngest_DispatchesEveryGroup(t *testing.T) {
	h := newHarness(t)
	out := h.ingest(t, "job-1")

	assert.Equal(t, "job-1", out.JobID)
	assert.Equal(t, 3, out.Dispatched)
	assert.Equal(t, "facts/job-1.json", out.FactsPath)

	job := h.job(t, "job-1")
	assert.Equal(t, model.StatusProcessing, job.Status)
	assert.Equal(t, model.ModeAsIs, job.Mode)
	assert.Equal(t, "facts/job-1.json", job.FactsPath)

	counter, err := h.l.GetCounter(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 0, counter.Completed)
	assert.Equal(t, 3, counter.Total)

	msgs := h.pub.FanOut()
	require.Len(t, msgs, 3)
	for i, g := range []string{"alpha", "beta", "gamma"} {
		assert.Equal(t, model.FanOutMessage{JobID: "job-1", Group: g, FactsPath: "facts/job-1.json"}, msgs[i])
	}

	var facts model.FactsPayload
	require.NoError(t, docstore.GetJSON(context.Background(), h.out, "facts/job-1.json", &facts))
	assert.Equal(t, "Maple Crunch\n", facts.Text)
	assert.Equal(t, "Acme", facts.ProductMetadata["brand"])
	assert.Equal(t, []string{"uploads/job-1/front.png"}, facts.SourceImages)
}

func TestIngest_GeneratesJobID(t *testing.T) {
	h := newHarness(t)
	h.putImage(t, "uploads/x/front.png", frontFacts())

	out, err := h.ctl.Ingest(context.Background(), testManifest("", "uploads/x/front.png"))
	require.NoError(t, err)
	assert.Equal(t, "gen-1", out.JobID)
	assert.Equal(t, model.StatusProcessing, h.job(t, "gen-1").Status)
}

func TestIngest_ResubmissionIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, "job-1")

	out, err := h.ctl.Ingest(context.Background(), testManifest("job-1", "uploads/job-1/front.png"))
	require.NoError(t, err)
	assert.True(t, out.Ignored)
	assert.Equal(t, model.ReasonJobInProgress, out.Reason)
	assert.Len(t, h.pub.FanOut(), 3, "no new fan-out for a resubmitted manifest")
}

func TestIngest_ExtractionFailureThenRecovery(t *testing.T) {
	h := newHarness(t)
	m := testManifest("job-1", "uploads/job-1/missing.png")

	_, err := h.ctl.Ingest(context.Background(), m)
	require.Error(t, err)
	assert.True(t, IsIngestError(err))
	assert.ErrorIs(t, err, docstore.ErrNotExist)

	job := h.job(t, "job-1")
	assert.Equal(t, model.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "missing.png")
	assert.Empty(t, h.pub.FanOut())

	h.putImage(t, "uploads/job-1/missing.png", frontFacts())
	out, err := h.ctl.Ingest(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Dispatched)
	assert.Empty(t, h.job(t, "job-1").Error)
}

type suffixTranslator struct{}

func (suffixTranslator) Translate(_ context.Context, facts model.FactsPayload) (model.FactsPayload, error) {
	facts.Translated = map[string]string{}
	for k, f := range facts.Fields {
		facts.Translated[k] = f.Text + " (en)"
	}
	return facts, nil
}

func relabelFacts() model.FactsPayload {
	f := frontFacts()
	f.Fields["common_name_foreign"] = model.Field{Text: "Croquant à l'érable", Confidence: 0.8}
	return f
}

func TestIngest_RelabelDetectedAndTranslated(t *testing.T) {
	h := newHarness(t, withTranslator(suffixTranslator{}))
	h.putImage(t, "uploads/job-1/front.png", relabelFacts())

	_, err := h.ctl.Ingest(context.Background(), testManifest("job-1", "uploads/job-1/front.png"))
	require.NoError(t, err)
	assert.Equal(t, model.ModeRelabel, h.job(t, "job-1").Mode)

	var facts model.FactsPayload
	require.NoError(t, docstore.GetJSON(context.Background(), h.out, "facts/job-1.json", &facts))
	assert.Equal(t, model.ModeRelabel, facts.Mode)
	assert.Equal(t, "Maple Crunch (en)", facts.Translated["common_name"])
}

func TestIngest_RelabelWithoutTranslatorFails(t *testing.T) {
	h := newHarness(t)
	h.putImage(t, "uploads/job-1/front.png", relabelFacts())

	_, err := h.ctl.Ingest(context.Background(), testManifest("job-1", "uploads/job-1/front.png"))
	require.Error(t, err)
	assert.True(t, IsIngestError(err))
	assert.Equal(t, model.StatusFailed, h.job(t, "job-1").Status)
}

func TestIngest_ExplicitModeWins(t *testing.T) {
	h := newHarness(t)
	h.putImage(t, "uploads/job-1/front.png", relabelFacts())
	m := testManifest("job-1", "uploads/job-1/front.png")
	m.Mode = "as_is"

	_, err := h.ctl.Ingest(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, model.ModeAsIs, h.job(t, "job-1").Mode)
}

func TestHandleStorageEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putImage(t, "uploads/job-1/front.png", frontFacts())
	require.NoError(t, h.in.Put(ctx, "uploads/job-1/job.json",
		[]byte(`{"job_id": "job-1", "images": ["uploads/job-1/front.png"]}`), docstore.ContentTypeJSON))

	out, err := h.ctl.HandleStorageEvent(ctx, StorageEvent{Bucket: "other", Name: "uploads/job-1/job.json"})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonWrongBucket, out.Reason)

	out, err = h.ctl.HandleStorageEvent(ctx, StorageEvent{Bucket: "labels", Name: "uploads/job-1/front.png"})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonNotManifest, out.Reason)

	out, err = h.ctl.HandleStorageEvent(ctx, StorageEvent{Bucket: "labels", Name: "uploads/job-1/job.json"})
	require.NoError(t, err)
	assert.False(t, out.Ignored)
	assert.Equal(t, 3, out.Dispatched)
}

func TestHandleStorageEvent_InvalidManifestIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	docs := map[string]string{
		"incoming/j1/job.json": `{"images": []}`,
		"incoming/j2/job.json": `{"images": [`,
		"incoming/j3/job.json": `{"images": ["a.png"], "mode": "LOUD"}`,
	}
	for key, doc := range docs {
		require.NoError(t, h.in.Put(ctx, key, []byte(doc), docstore.ContentTypeJSON))
		// Redelivery of the same notification is ignored every time.
		for range 3 {
			out, err := h.ctl.HandleStorageEvent(ctx, StorageEvent{Bucket: "labels", Name: key})
			require.NoError(t, err, key)
			assert.True(t, out.Ignored, key)
			assert.Equal(t, model.ReasonInvalidManifest, out.Reason, key)
		}
	}

	for _, id := range []string{"j1", "j2", "j3"} {
		_, err := h.l.GetJob(ctx, id)
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	}
	assert.Empty(t, h.pub.FanOut())
}

func TestHandleStorageEvent_MissingManifestIsAnError(t *testing.T) {
	h := newHarness(t)

	_, err := h.ctl.HandleStorageEvent(context.Background(), StorageEvent{Bucket: "labels", Name: "incoming/gone/job.json"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrInvalidManifest)
}

func TestHandleStorageEvent_JobIDFromKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putImage(t, "incoming/job-7/front.png", frontFacts())
	require.NoError(t, h.in.Put(ctx, "incoming/job-7/job.json",
		[]byte(`{"images": ["incoming/job-7/front.png"]}`), docstore.ContentTypeJSON))

	out, err := h.ctl.HandleStorageEvent(ctx, StorageEvent{Bucket: "labels", Name: "incoming/job-7/job.json"})
	require.NoError(t, err)
	assert.Equal(t, "job-7", out.JobID)

	// A redelivered notification finds the same job instead of minting a new one.
	out, err = h.ctl.HandleStorageEvent(ctx, StorageEvent{Bucket: "labels", Name: "incoming/job-7/job.json"})
	require.NoError(t, err)
	assert.True(t, out.Ignored)
	assert.Equal(t, model.ReasonJobInProgress, out.Reason)
	assert.Equal(t, "job-7", out.JobID)
}

func TestJobIDFromKey(t *testing.T) {
	assert.Equal(t, "job-7", jobIDFromKey("incoming/job-7/job.json"))
	assert.Equal(t, "abc.1", jobIDFromKey("a/b/abc.1/job.json"))
	assert.Equal(t, "", jobIDFromKey("incoming/has space/job.json"))
	assert.Equal(t, "", jobIDFromKey("incoming/.hidden/job.json"))
}

func TestDispatch_PublishFailureIsRecoverable(t *testing.T) {
	h := newHarness(t)
	h.pub.FailFanOut = errors.New("broker down")
	h.putImage(t, "uploads/job-1/front.png", frontFacts())

	_, err := h.ctl.Ingest(context.Background(), testManifest("job-1", "uploads/job-1/front.png"))
	require.Error(t, err)
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseDispatch, pe.Phase)
	assert.Equal(t, model.StatusProcessing, h.job(t, "job-1").Status)

	n, err := h.ctl.Dispatch(context.Background(), "job-1", "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, h.pub.FanOut(), 3)
}

func TestDispatch_RejectsFinishedJob(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.l.CreateJob(context.Background(), "job-1", model.StatusDone, model.ModeAsIs))
	require.NoError(t, h.l.UpdateJobStatus(context.Background(), "job-1", model.StatusDone, model.JobPatch{FactsPath: "facts/job-1.json"}))

	_, err := h.ctl.Dispatch(context.Background(), "job-1", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job is done")
}

func TestHandleFanOut_RunsApplicableAgents(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, "job-1")
	msgs := h.pub.FanOut()

	out, err := h.ctl.HandleFanOut(context.Background(), msgs[0])
	require.NoError(t, err)
	assert.True(t, out.Processed)
	assert.Equal(t, []string{"name_check", "brand_check"}, out.AgentsCompleted)

	done := h.groupDone(t, "alpha")
	assert.Equal(t, model.GroupDoneStatus, done.Status)
	assert.Equal(t, []string{"name_check", "brand_check"}, done.AgentsCompleted)

	// claim_tag_type is absent, so gamma has nothing to run.
	out, err = h.ctl.HandleFanOut(context.Background(), msgs[2])
	require.NoError(t, err)
	assert.True(t, out.Processed)
	assert.Empty(t, out.AgentsCompleted)

	rows, err := h.l.ListAgentResults(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, model.AgentDone, r.Status, r.Agent)
	}
}

func TestHandleFanOut_DuplicateDeliveries(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, "job-1")
	msg := h.pub.FanOut()[0]

	_, err := h.ctl.HandleFanOut(context.Background(), msg)
	require.NoError(t, err)

	out, err := h.ctl.HandleFanOut(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, out.Ignored)
	assert.Equal(t, model.ReasonGroupDone, out.Reason)
	assert.Equal(t, 1, h.evs["brand_check"].Calls(), "a done group must not run again")
	assert.Len(t, h.pub.GroupDone(), 1)
}

func TestHandleFanOut_ClaimConflict(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, "job-1")
	ok, err := h.l.ClaimGroupExecution(context.Background(), "job-1", "beta")
	require.NoError(t, err)
	require.True(t, ok)

	out, err := h.ctl.HandleFanOut(context.Background(), h.pub.FanOut()[1])
	require.NoError(t, err)
	assert.True(t, out.Ignored)
	assert.Equal(t, model.ReasonGroupInProgress, out.Reason)
	assert.Zero(t, h.evs["origin_check"].Calls())
}

func TestHandleFanOut_FailureReleasesClaim(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, "job-1")
	msg := h.pub.FanOut()[0]
	h.pub.FailGroupDone = errors.New("broker down")

	_, err := h.ctl.HandleFanOut(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, IsGroupError(err))

	claims, err := h.l.ListGroupClaims(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Empty(t, claims, "failed group must release its claim")

	out, err := h.ctl.HandleFanOut(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, out.Processed)
}

func TestHandleFanOut_UnknownGroup(t *testing.T) {
	h := newHarness(t)
	out, err := h.ctl.HandleFanOut(context.Background(), model.FanOutMessage{JobID: "job-1", Group: "delta", FactsPath: "facts/job-1.json"})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonUnknownGroup, out.Reason)
}

func TestHandleGroupDone_CountsThenAssembles(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, "job-1")
	h.runGroups(t)
	ctx := context.Background()

	out, err := h.ctl.HandleGroupDone(ctx, h.groupDone(t, "alpha"))
	require.NoError(t, err)
	assert.Equal(t, model.FanInOutcome{Waiting: true, Completed: 1, Total: 3}, out)

	// Duplicate of a counted signal.
	out, err = h.ctl.HandleGroupDone(ctx, h.groupDone(t, "alpha"))
	require.NoError(t, err)
	assert.True(t, out.Ignored)
	assert.Equal(t, model.ReasonDuplicateSignal, out.Reason)

	out, err = h.ctl.HandleGroupDone(ctx, h.groupDone(t, "beta"))
	require.NoError(t, err)
	assert.Equal(t, model.FanInOutcome{Waiting: true, Completed: 2, Total: 3}, out)

	out, err = h.ctl.HandleGroupDone(ctx, h.groupDone(t, "gamma"))
	require.NoError(t, err)
	assert.True(t, out.Assembled)
	assert.Equal(t, "reports/job-1.json", out.ReportPath)

	job := h.job(t, "job-1")
	assert.Equal(t, model.StatusDone, job.Status)
	assert.Equal(t, "reports/job-1.json", job.ReportPath)
}

func TestHandleGroupDone_ReportGolden(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, "job-1")
	h.runGroups(t)
	for _, g := range []string{"alpha", "beta", "gamma"} {
		_, err := h.ctl.HandleGroupDone(context.Background(), h.groupDone(t, g))
		require.NoError(t, err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "report", h.report(t, "job-1"))
}

func TestHandleGroupDone_AfterFinalizeIsNoop(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, "job-1")
	h.runGroups(t)
	ctx := context.Background()
	for _, g := range []string{"alpha", "beta", "gamma"} {
		_, err := h.ctl.HandleGroupDone(ctx, h.groupDone(t, g))
		require.NoError(t, err)
	}
	before := h.report(t, "job-1")
	counter, err := h.l.GetCounter(ctx, "job-1")
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	for _, g := range []string{"alpha", "gamma"} {
		out, err := h.ctl.HandleGroupDone(ctx, h.groupDone(t, g))
		require.NoError(t, err)
		assert.True(t, out.Ignored)
		assert.Equal(t, model.ReasonJobDone, out.Reason)
	}
	fan, err := h.ctl.HandleFanOut(ctx, h.pub.FanOut()[1])
	require.NoError(t, err)
	assert.Equal(t, model.ReasonGroupDone, fan.Reason)

	after, err := h.l.GetCounter(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, counter, after)
	assert.Equal(t, before, h.report(t, "job-1"), "report must not be rewritten")
}

func TestHandleGroupDone_FinalizeFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, "job-1")
	h.runGroups(t)
	ctx := context.Background()
	for _, g := range []string{"alpha", "beta"} {
		_, err := h.ctl.HandleGroupDone(ctx, h.groupDone(t, g))
		require.NoError(t, err)
	}

	boom := errors.New("storage unavailable")
	h.out.FailPuts("reports/", 1, boom)
	last := h.groupDone(t, "gamma")

	_, err := h.ctl.HandleGroupDone(ctx, last)
	require.Error(t, err)
	assert.True(t, IsFinalizeError(err))
	assert.ErrorIs(t, err, boom)

	job := h.job(t, "job-1")
	assert.Equal(t, model.StatusProcessing, job.Status)
	counter, err := h.l.GetCounter(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, counter.Completed)
	assert.False(t, counter.FinalizeClaimed, "finalize claim must be released")

	out, err := h.ctl.HandleGroupDone(ctx, last)
	require.NoError(t, err)
	assert.True(t, out.Assembled)
	assert.Equal(t, model.StatusDone, h.job(t, "job-1").Status)
}

func TestHandleGroupDone_ConcurrentFinalSignals(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, "job-1")
	h.runGroups(t)
	ctx := context.Background()

	var msgs []model.GroupDoneMessage
	for i := 0; i < 4; i++ {
		msgs = append(msgs, h.pub.GroupDone()...)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		assembled int
		waiting   int
	)
	for _, msg := range msgs {
		wg.Add(1)
		go func(msg model.GroupDoneMessage) {
			defer wg.Done()
			out, err := h.ctl.HandleGroupDone(ctx, msg)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if out.Assembled {
				assembled++
			}
			if out.Waiting {
				waiting++
			}
		}(msg)
	}
	wg.Wait()

	assert.Equal(t, 1, assembled, "exactly one delivery assembles the report")
	assert.Equal(t, 2, waiting, "each non-final group is counted once")
	counter, err := h.l.GetCounter(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, counter.Completed)
	assert.True(t, counter.FinalizeClaimed)
	assert.Equal(t, model.StatusDone, h.job(t, "job-1").Status)
}

func TestHandleGroupDone_UnknownJobAndGroup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.ctl.HandleGroupDone(ctx, model.GroupDoneMessage{JobID: "nope", Group: "alpha", Status: "done"})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonUnknownJob, out.Reason)

	h.ingest(t, "job-1")
	out, err = h.ctl.HandleGroupDone(ctx, model.GroupDoneMessage{JobID: "job-1", Group: "delta", Status: "done"})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonUnknownGroup, out.Reason)
}

func TestReport(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, "job-1")
	ctx := context.Background()

	_, err := h.ctl.Report(ctx, "job-1")
	require.ErrorIs(t, err, ErrReportNotReady)

	h.runGroups(t)
	for _, g := range []string{"alpha", "beta", "gamma"} {
		_, err := h.ctl.HandleGroupDone(ctx, h.groupDone(t, g))
		require.NoError(t, err)
	}

	r, err := h.ctl.Report(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", r.JobID)
	assert.Equal(t, testNow, r.CreatedAt)
	assert.Equal(t, 3, r.Summary.ChecksTotal)
	assert.Equal(t, 2, r.Summary.ChecksPassed)
	assert.Equal(t, []string{"origin_check"}, r.Summary.ErroredAgents)

	_, err = h.ctl.Report(ctx, "missing")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

// TestController_LocalBusEndToEnd runs a job over the in-process bus with
// every message delivered twice.
func TestController_LocalBusEndToEnd(t *testing.T) {
	bus := local.New(local.Options{Workers: 4, Duplicates: 1})
	h := newHarness(t, withPublisher(bus))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	consumeDone := make(chan error, 1)
	go func() { consumeDone <- bus.Consume(ctx, h.ctl) }()

	h.putImage(t, "uploads/job-1/front.png", frontFacts())
	out, err := h.ctl.Ingest(ctx, testManifest("job-1", "uploads/job-1/front.png"))
	require.NoError(t, err)
	assert.Equal(t, 3, out.Dispatched)

	require.NoError(t, bus.WaitIdle(ctx))
	cancel()
	require.NoError(t, <-consumeDone)

	assert.Empty(t, bus.Dropped())
	assert.Equal(t, model.StatusDone, h.job(t, "job-1").Status)
	r := decodeReport(t, h.report(t, "job-1"))
	assert.Len(t, r.Results, 3)
	assert.Equal(t, 1, h.evs["brand_check"].Calls())
}
