package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/labeliq/internal/catalog"
	"github.com/roach88/labeliq/internal/collab"
	"github.com/roach88/labeliq/internal/docstore"
	"github.com/roach88/labeliq/internal/ledger"
	"github.com/roach88/labeliq/internal/model"
	"github.com/roach88/labeliq/internal/queue"
	"github.com/roach88/labeliq/internal/testutil"
)

const testCatalog = `
groups:
  - name: alpha
    agents:
      - name: name_check
        section: Common Name
        evaluator: fields
        questions:
          - id: name.present
            text: Is the common name shown?
            field: common_name
      - name: brand_check
        section: Brand
        evaluator: llm
        questions:
          - id: brand.legible
            text: Is the brand legible?
  - name: beta
    agents:
      - name: origin_check
        section: Country of Origin
        evaluator: llm
        questions:
          - id: origin.stated
            text: Is the country of origin stated?
  - name: gamma
    agents:
      - name: claim_check
        section: Claims
        evaluator: fields
        requires_field: claim_tag_type
        questions:
          - id: claim.type
            text: Is the claim type shown?
            field: claim_tag_type
`

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	ctl   *Controller
	l     *ledger.Store
	in    *docstore.Memory
	out   *testutil.FlakyStore
	pub   *testutil.RecordingPublisher
	evs   map[string]*testutil.ScriptedEvaluator
	clock *FixedClock
}

type harnessOption func(*Deps)

func withPublisher(p queue.Publisher) harnessOption {
	return func(d *Deps) { d.Publisher = p }
}

func withTranslator(tr collab.Translator) harnessOption {
	return func(d *Deps) { d.Translator = tr }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cat, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)

	h := &harness{
		l:     setupTestLedger(t),
		in:    docstore.NewMemory("labels"),
		out:   testutil.NewFlakyStore(docstore.NewMemory("results")),
		pub:   &testutil.RecordingPublisher{},
		clock: NewFixedClock(testNow),
		evs: map[string]*testutil.ScriptedEvaluator{
			"brand_check":  {},
			"origin_check": {Failures: 100},
		},
	}

	reg := collab.NewRegistry()
	reg.RegisterStatic(catalog.EvaluatorFields, collab.FieldsEvaluator{})
	reg.Register(catalog.EvaluatorLLM, func(agent, _ string) collab.Evaluator {
		return h.evs[agent]
	})

	deps := Deps{
		Ledger:     h.l,
		Catalog:    cat,
		Evaluators: reg,
		Extractor:  collab.StaticExtractor{Store: h.in},
		Input:      h.in,
		Output:     h.out,
		Publisher:  h.pub,
		Clock:      h.clock,
		IDs:        NewFixedGenerator("gen-1", "gen-2"),
	}
	for _, o := range opts {
		o(&deps)
	}
	h.ctl, err = New(deps, Options{MaxRetries: 1, RetryDelay: -1})
	require.NoError(t, err)
	return h
}

// putImage stores an image and its pre-extracted facts sidecar.
func (h *harness) putImage(t *testing.T, key string, facts model.FactsPayload) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.in.Put(ctx, key, []byte("png"), docstore.ContentTypeBinary))
	require.NoError(t, docstore.PutJSON(ctx, h.in, key+collab.SidecarSuffix, facts))
}

func frontFacts() model.FactsPayload {
	f := model.NewFactsPayload()
	f.Text = "Maple Crunch"
	f.Fields["common_name"] = model.Field{Text: "Maple Crunch", Confidence: 0.9}
	return f
}

func testManifest(jobID string, images ...string) model.Manifest {
	return model.Manifest{
		JobID:           jobID,
		Images:          images,
		ProductMetadata: map[string]any{"brand": "Acme"},
		Tags:            []string{"snack"},
	}
}

// ingest runs a standard single-image job up to dispatch.
func (h *harness) ingest(t *testing.T, jobID string) model.IngestOutcome {
	t.Helper()
	img := "uploads/" + jobID + "/front.png"
	h.putImage(t, img, frontFacts())
	out, err := h.ctl.Ingest(context.Background(), testManifest(jobID, img))
	require.NoError(t, err)
	require.False(t, out.Ignored)
	return out
}

// runGroups delivers every recorded fan-out message once.
func (h *harness) runGroups(t *testing.T) {
	t.Helper()
	for _, msg := range h.pub.FanOut() {
		out, err := h.ctl.HandleFanOut(context.Background(), msg)
		require.NoError(t, err)
		require.True(t, out.Processed, "group %s: %+v", msg.Group, out)
	}
}

func (h *harness) groupDone(t *testing.T, group string) model.GroupDoneMessage {
	t.Helper()
	for _, msg := range h.pub.GroupDone() {
		if msg.Group == group {
			return msg
		}
	}
	t.Fatalf("no group-done message for %s", group)
	return model.GroupDoneMessage{}
}

func (h *harness) job(t *testing.T, id string) model.Job {
	t.Helper()
	job, err := h.l.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) report(t *testing.T, id string) []byte {
	t.Helper()
	data, err := h.out.Get(context.Background(), docstore.ReportKey(id))
	require.NoError(t, err)
	return data
}

func decodeReport(t *testing.T, data []byte) model.ReportPayload {
	t.Helper()
	var r model.ReportPayload
	require.NoError(t, json.Unmarshal(data, &r))
	return r
}
