package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/labeliq/internal/catalog"
	"github.com/roach88/labeliq/internal/collab"
	"github.com/roach88/labeliq/internal/docstore"
	"github.com/roach88/labeliq/internal/ledger"
	"github.com/roach88/labeliq/internal/model"
	"github.com/roach88/labeliq/internal/queue"
	"github.com/roach88/labeliq/internal/schema"
)

// jobIDPattern matches the job ids a manifest may carry.
var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ManifestName is the object name suffix that marks an ingress manifest.
const ManifestName = "job.json"

// DefaultMaxRetries is the number of retries after a unit's first attempt.
const DefaultMaxRetries = 2

// Deps are the handles a Controller is built from. Ledger, Catalog,
// Evaluators, Extractor, Input, Output and Publisher are required.
type Deps struct {
	Ledger     ledger.Ledger
	Catalog    *catalog.Catalog
	Evaluators *collab.Registry
	Extractor  collab.Extractor

	// Translator is used for RELABEL jobs. A RELABEL job fails extraction
	// when none is configured.
	Translator collab.Translator

	// Input holds manifests and images; Output receives facts and reports.
	Input  docstore.Store
	Output docstore.Store

	Publisher queue.Publisher

	// Manifests validates manifests read by HandleStorageEvent. Defaults to
	// a fresh schema.Validator.
	Manifests *schema.Validator

	Clock Clock
	IDs   IDGenerator
}

// Options tune retries and collaborator deadlines.
type Options struct {
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// StorageEvent is an object-created notification from the input bucket.
type StorageEvent struct {
	Bucket string `json:"bucket" binding:"required"`
	Name   string `json:"name" binding:"required"`
}

// Controller drives jobs through extraction, group evaluation and report
// assembly. It holds no coordination state of its own: every decision is
// made through the ledger, so any number of controllers may serve the same
// jobs concurrently.
type Controller struct {
	deps   Deps
	opts   Options
	runner *Runner
	coord  *Coordinator
}

var _ queue.Handler = (*Controller)(nil)

// New creates a controller.
func New(deps Deps, opts Options) (*Controller, error) {
	switch {
	case deps.Ledger == nil:
		return nil, errors.New("engine: ledger is required")
	case deps.Catalog == nil:
		return nil, errors.New("engine: catalog is required")
	case deps.Evaluators == nil:
		return nil, errors.New("engine: evaluator registry is required")
	case deps.Extractor == nil:
		return nil, errors.New("engine: extractor is required")
	case deps.Input == nil || deps.Output == nil:
		return nil, errors.New("engine: input and output stores are required")
	case deps.Publisher == nil:
		return nil, errors.New("engine: publisher is required")
	}
	if deps.Manifests == nil {
		v, err := schema.NewValidator()
		if err != nil {
			return nil, err
		}
		deps.Manifests = v
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.IDs == nil {
		deps.IDs = UUIDv7Generator{}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Controller{
		deps:   deps,
		opts:   opts,
		runner: NewRunner(deps.Ledger, opts.RetryDelay, opts.Timeout),
		coord:  NewCoordinator(deps.Ledger),
	}, nil
}

// HandleStorageEvent loads the manifest named by an ingress notification
// and ingests it. Notifications for other buckets and for objects that are
// not manifests are ignored.
func (c *Controller) HandleStorageEvent(ctx context.Context, ev StorageEvent) (model.IngestOutcome, error) {
	if ev.Bucket != c.deps.Input.Bucket() {
		return model.IngestOutcome{Ignored: true, Reason: model.ReasonWrongBucket}, nil
	}
	if !strings.HasSuffix(ev.Name, "/"+ManifestName) {
		return model.IngestOutcome{Ignored: true, Reason: model.ReasonNotManifest}, nil
	}
	data, err := c.deps.Input.Get(ctx, ev.Name)
	if err != nil {
		return model.IngestOutcome{}, fmt.Errorf("load manifest %s: %w", ev.Name, err)
	}
	m, err := c.deps.Manifests.ParseManifest(ev.Name, data)
	if err == nil {
		_, err = model.ParseMode(m.Mode)
	}
	if errors.Is(err, model.ErrInvalidManifest) {
		slog.Warn("ignoring invalid manifest", "name", ev.Name, "error", err)
		return model.IngestOutcome{Ignored: true, Reason: model.ReasonInvalidManifest}, nil
	}
	if err != nil {
		return model.IngestOutcome{}, err
	}
	if m.JobID == "" {
		m.JobID = jobIDFromKey(ev.Name)
	}
	return c.Ingest(ctx, m)
}

// jobIDFromKey returns the directory name of a manifest key such as
// incoming/{id}/job.json, or "" if it is not a usable job id.
func jobIDFromKey(key string) string {
	id := path.Base(path.Dir(key))
	if !jobIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// Ingest extracts a manifest's images into a facts document and dispatches
// the job's groups.
//
// A job that is already in progress or done is ignored. An extraction
// failure marks the job failed; delivering the same manifest again retries
// it.
func (c *Controller) Ingest(ctx context.Context, m model.Manifest) (model.IngestOutcome, error) {
	mode, err := model.ParseMode(m.Mode)
	if err != nil {
		return model.IngestOutcome{}, err
	}
	jobID := m.JobID
	if jobID == "" {
		jobID = c.deps.IDs.Generate()
	}

	job, err := c.deps.Ledger.GetJob(ctx, jobID)
	switch {
	case err == nil && model.IsInProgressOrDone(job.Status):
		slog.Info("ignoring manifest for active job", "job_id", jobID, "status", job.Status)
		return model.IngestOutcome{Ignored: true, Reason: model.ReasonJobInProgress, JobID: jobID}, nil
	case err != nil && !errors.Is(err, ledger.ErrNotFound):
		return model.IngestOutcome{}, err
	}

	claimed, err := c.deps.Ledger.ClaimExtraction(ctx, jobID, mode)
	if err != nil {
		return model.IngestOutcome{}, err
	}
	if !claimed {
		return model.IngestOutcome{Ignored: true, Reason: model.ReasonJobInProgress, JobID: jobID}, nil
	}
	slog.Info("extraction started", "job_id", jobID, "images", len(m.Images))

	facts, err := c.extract(ctx, jobID, m, mode)
	if err != nil {
		if upErr := c.setStatus(context.WithoutCancel(ctx), jobID, model.StatusExtracting, model.StatusFailed, model.JobPatch{Error: err.Error()}); upErr != nil {
			slog.Error("failed to mark job failed", "job_id", jobID, "error", upErr)
		}
		return model.IngestOutcome{}, phaseError(PhaseIngest, jobID, "", err)
	}

	factsPath := docstore.FactsKey(jobID)
	if err := c.setStatus(ctx, jobID, model.StatusExtracting, model.StatusExtracted, model.JobPatch{
		Mode:      facts.Mode,
		FactsPath: factsPath,
	}); err != nil {
		return model.IngestOutcome{}, err
	}
	slog.Info("extraction done", "job_id", jobID, "mode", facts.Mode, "facts_path", factsPath)

	n, err := c.Dispatch(ctx, jobID, factsPath)
	if err != nil {
		return model.IngestOutcome{}, err
	}
	return model.IngestOutcome{JobID: jobID, Dispatched: n, FactsPath: factsPath}, nil
}

// extract runs the extractor per image, merges, translates when needed and
// stores the facts document.
func (c *Controller) extract(ctx context.Context, jobID string, m model.Manifest, mode model.Mode) (model.FactsPayload, error) {
	parts := make([]model.FactsPayload, 0, len(m.Images))
	for _, p := range m.Images {
		data, err := c.deps.Input.Get(ctx, p)
		if err != nil {
			return model.FactsPayload{}, fmt.Errorf("load image %s: %w", p, err)
		}
		img := model.Image{Path: p, MIMEType: docstore.GuessMIME(p), Data: data}
		part, err := c.callExtractor(ctx, img)
		if err != nil {
			return model.FactsPayload{}, fmt.Errorf("extract %s: %w", p, err)
		}
		parts = append(parts, part)
	}

	facts := MergeFacts(parts)
	if mode == "" {
		mode = DetectMode(facts)
	}
	facts.JobID = jobID
	facts.Mode = mode
	facts.ProductMetadata = m.ProductMetadata
	facts.Tags = m.Tags
	facts.SourceImages = m.Images

	if mode == model.ModeRelabel {
		if c.deps.Translator == nil {
			return model.FactsPayload{}, errors.New("RELABEL job but no translator is configured")
		}
		translated, err := c.callTranslator(ctx, facts)
		if err != nil {
			return model.FactsPayload{}, fmt.Errorf("translate: %w", err)
		}
		facts = translated
		facts.JobID = jobID
		facts.Mode = mode
	}

	if err := docstore.PutJSON(ctx, c.deps.Output, docstore.FactsKey(jobID), facts); err != nil {
		return model.FactsPayload{}, err
	}
	return facts, nil
}

func (c *Controller) callExtractor(ctx context.Context, img model.Image) (model.FactsPayload, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.deps.Extractor.Extract(ctx, img)
}

func (c *Controller) callTranslator(ctx context.Context, facts model.FactsPayload) (model.FactsPayload, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.deps.Translator.Translate(ctx, facts)
}

func (c *Controller) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.Timeout > 0 {
		return context.WithTimeout(ctx, c.opts.Timeout)
	}
	return context.WithCancel(ctx)
}

// Dispatch initializes the job's completion counter, moves it to processing
// and publishes one fan-out message per catalog group. It returns the
// number of messages published.
//
// Dispatch may be repeated for a job that is already processing; group
// claims make the duplicate messages harmless.
func (c *Controller) Dispatch(ctx context.Context, jobID, factsPath string) (int, error) {
	job, err := c.deps.Ledger.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if factsPath == "" {
		factsPath = job.FactsPath
	}
	if factsPath == "" {
		return 0, fmt.Errorf("dispatch %s: job has no facts", jobID)
	}

	if job.Status != model.StatusProcessing && !model.CanTransition(job.Status, model.StatusProcessing) {
		return 0, fmt.Errorf("dispatch %s: job is %s", jobID, job.Status)
	}

	groups := c.deps.Catalog.GroupNames()
	if err := c.deps.Ledger.EnsureCounter(ctx, jobID, len(groups)); err != nil {
		return 0, err
	}
	if job.Status != model.StatusProcessing {
		if err := c.setStatus(ctx, jobID, job.Status, model.StatusProcessing, model.JobPatch{}); err != nil {
			return 0, err
		}
	}

	for i, g := range groups {
		msg := model.FanOutMessage{JobID: jobID, Group: g, FactsPath: factsPath}
		if err := c.deps.Publisher.PublishFanOut(ctx, msg); err != nil {
			slog.Error("fan-out publish failed",
				"job_id", jobID,
				"group", g,
				"published", i,
				"error", err,
			)
			return i, phaseError(PhaseDispatch, jobID, g, err)
		}
	}
	slog.Info("job dispatched", "job_id", jobID, "groups", len(groups))
	return len(groups), nil
}

// HandleFanOut executes one group of a job under its execution claim, then
// signals group completion.
func (c *Controller) HandleFanOut(ctx context.Context, msg model.FanOutMessage) (model.FanOutOutcome, error) {
	group, ok := c.deps.Catalog.Group(msg.Group)
	if !ok {
		slog.Warn("fan-out for unknown group", "job_id", msg.JobID, "group", msg.Group)
		return model.FanOutOutcome{Ignored: true, Reason: model.ReasonUnknownGroup}, nil
	}
	return c.coord.Execute(ctx, msg.JobID, msg.Group, func(ctx context.Context) ([]string, error) {
		return c.runGroup(ctx, msg, group)
	})
}

// runGroup runs every applicable agent of the group concurrently and
// publishes the group-done signal once all of them have a final record.
func (c *Controller) runGroup(ctx context.Context, msg model.FanOutMessage, group catalog.Group) ([]string, error) {
	var facts model.FactsPayload
	if err := docstore.GetJSON(ctx, c.deps.Output, msg.FactsPath, &facts); err != nil {
		return nil, err
	}

	agents := group.Applicable(facts)
	slog.Info("group started", "job_id", msg.JobID, "group", group.Name, "agents", len(agents))

	var (
		mu      sync.Mutex
		errored []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range agents {
		ev, err := c.deps.Evaluators.Resolve(a.Evaluator, a.Name, a.Section)
		if err != nil {
			// Runner degrades a unit without an evaluator.
			slog.Error("no evaluator for agent", "job_id", msg.JobID, "agent", a.Name, "error", err)
		}
		u := Unit{
			JobID:     msg.JobID,
			Agent:     a.Name,
			Section:   a.Section,
			Questions: a.Questions,
			Evaluator: ev,
		}
		g.Go(func() error {
			rec, err := c.runner.Run(gctx, u, facts, c.opts.MaxRetries)
			if err != nil {
				return err
			}
			if rec.Status == model.AgentError {
				mu.Lock()
				errored = append(errored, rec.Agent)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name
	}
	if err := c.deps.Publisher.PublishGroupDone(ctx, model.GroupDoneMessage{
		JobID:           msg.JobID,
		Group:           group.Name,
		Status:          model.GroupDoneStatus,
		AgentsCompleted: names,
	}); err != nil {
		return nil, fmt.Errorf("publish group done: %w", err)
	}
	slog.Info("group done",
		"job_id", msg.JobID,
		"group", group.Name,
		"agents", len(names),
		"errored", len(errored),
	)
	return names, nil
}

// HandleGroupDone counts a group's completion and, for the signal that
// completes the job, assembles the report.
//
// Each group is counted at most once however often its signal is
// delivered. Exactly one delivery wins the finalize claim; if assembly
// fails the claim is released and the error returned, so the next delivery
// of any final signal retries it.
func (c *Controller) HandleGroupDone(ctx context.Context, msg model.GroupDoneMessage) (model.FanInOutcome, error) {
	job, err := c.deps.Ledger.GetJob(ctx, msg.JobID)
	if errors.Is(err, ledger.ErrNotFound) {
		slog.Warn("group done for unknown job", "job_id", msg.JobID, "group", msg.Group)
		return model.FanInOutcome{Ignored: true, Reason: model.ReasonUnknownJob}, nil
	}
	if err != nil {
		return model.FanInOutcome{}, err
	}
	if job.Status == model.StatusDone {
		return model.FanInOutcome{Ignored: true, Reason: model.ReasonJobDone}, nil
	}
	if _, ok := c.deps.Catalog.Group(msg.Group); !ok {
		return model.FanInOutcome{Ignored: true, Reason: model.ReasonUnknownGroup}, nil
	}

	completed, total, incremented, err := c.deps.Ledger.IncrementCompletedGroupsIfPending(ctx, msg.JobID, msg.Group)
	if err != nil {
		return model.FanInOutcome{}, err
	}
	if completed < total {
		if !incremented {
			return model.FanInOutcome{Ignored: true, Reason: model.ReasonDuplicateSignal, Completed: completed, Total: total}, nil
		}
		slog.Info("waiting for groups",
			"job_id", msg.JobID,
			"group", msg.Group,
			"completed", completed,
			"total", total,
		)
		return model.FanInOutcome{Waiting: true, Completed: completed, Total: total}, nil
	}

	// All groups are counted. A repeated final signal falls through to the
	// finalize claim, which lets it retry a failed assembly.
	won, err := c.deps.Ledger.ClaimReportFinalize(ctx, msg.JobID)
	if err != nil {
		return model.FanInOutcome{}, err
	}
	if !won {
		return model.FanInOutcome{Ignored: true, Reason: model.ReasonFinalizeClaimed, Completed: completed, Total: total}, nil
	}

	reportPath, err := c.finalize(ctx, job)
	if err != nil {
		bg := context.WithoutCancel(ctx)
		if relErr := c.deps.Ledger.ReleaseReportFinalizeClaim(bg, msg.JobID); relErr != nil {
			slog.Error("failed to release finalize claim", "job_id", msg.JobID, "error", relErr)
		}
		if upErr := c.deps.Ledger.UpdateJobStatus(bg, msg.JobID, model.StatusProcessing, model.JobPatch{Error: err.Error()}); upErr != nil {
			slog.Error("failed to reset job status", "job_id", msg.JobID, "error", upErr)
		}
		slog.Error("report assembly failed", "job_id", msg.JobID, "error", err)
		return model.FanInOutcome{}, phaseError(PhaseFinalize, msg.JobID, msg.Group, err)
	}
	return model.FanInOutcome{Assembled: true, Completed: completed, Total: total, ReportPath: reportPath}, nil
}

// finalize assembles and stores the report and marks the job done.
func (c *Controller) finalize(ctx context.Context, job model.Job) (string, error) {
	if job.Status != model.StatusFinalizing {
		if err := c.setStatus(ctx, job.ID, job.Status, model.StatusFinalizing, model.JobPatch{}); err != nil {
			return "", err
		}
	}

	var facts model.FactsPayload
	if err := docstore.GetJSON(ctx, c.deps.Output, job.FactsPath, &facts); err != nil {
		return "", err
	}
	rows, err := c.deps.Ledger.ListAgentResults(ctx, job.ID)
	if err != nil {
		return "", err
	}
	report := buildReport(job, facts, rows, c.deps.Clock)

	reportPath := docstore.ReportKey(job.ID)
	if err := docstore.PutJSON(ctx, c.deps.Output, reportPath, report); err != nil {
		return "", err
	}
	if err := c.deps.Ledger.UpdateJobStatus(ctx, job.ID, model.StatusDone, model.JobPatch{ReportPath: reportPath}); err != nil {
		return "", err
	}
	slog.Info("report assembled",
		"job_id", job.ID,
		"report_path", reportPath,
		"score", report.Summary.ComplianceScore,
		"errored_agents", len(report.Summary.ErroredAgents),
	)
	return reportPath, nil
}

// setStatus writes a status after checking the transition is allowed.
func (c *Controller) setStatus(ctx context.Context, jobID string, from, to model.JobStatus, patch model.JobPatch) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("job %s: illegal transition %s -> %s", jobID, from, to)
	}
	return c.deps.Ledger.UpdateJobStatus(ctx, jobID, to, patch)
}

// Job returns the ledger row for a job.
func (c *Controller) Job(ctx context.Context, jobID string) (model.Job, error) {
	return c.deps.Ledger.GetJob(ctx, jobID)
}

// Report loads the assembled report of a finished job.
func (c *Controller) Report(ctx context.Context, jobID string) (model.ReportPayload, error) {
	job, err := c.deps.Ledger.GetJob(ctx, jobID)
	if err != nil {
		return model.ReportPayload{}, err
	}
	if job.Status != model.StatusDone || job.ReportPath == "" {
		return model.ReportPayload{}, fmt.Errorf("job %s: %w (status %s)", jobID, ErrReportNotReady, job.Status)
	}
	var r model.ReportPayload
	if err := docstore.GetJSON(ctx, c.deps.Output, job.ReportPath, &r); err != nil {
		return model.ReportPayload{}, err
	}
	return r, nil
}
