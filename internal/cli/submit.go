package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/labeliq/internal/collab"
	"github.com/roach88/labeliq/internal/docstore"
	"github.com/roach88/labeliq/internal/engine"
	"github.com/roach88/labeliq/internal/model"
	"github.com/roach88/labeliq/internal/schema"
)

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <manifest.json>",
		Short: "Run one job to completion in this process",
		Long: `Run a job end to end on the in-process queue and print its report.

Image paths in the manifest that exist on disk (relative to the manifest)
are uploaded to the input store under incoming/<job_id>/, together with
any <image>.facts.json sidecar next to them. Other paths are taken as keys
already in the input store.

Example:
  labeliq submit ./jobs/job.json
  labeliq submit ./jobs/job.json --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runSubmit(opts *RootOptions, manifestPath string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read manifest", err)
	}
	v, err := schema.NewValidator()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load manifest schema", err)
	}
	m, err := v.ParseManifest(filepath.Base(manifestPath), data)
	if err != nil {
		_ = f.Error(CodeConfig, "invalid manifest", err.Error())
		return WrapExitError(ExitCommandError, "invalid manifest", err)
	}
	if m.JobID == "" {
		m.JobID = engine.UUIDv7Generator{}.Generate()
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{forceLocal: true})
	if err != nil {
		return err
	}
	defer a.Close()

	m.Images, err = stageImages(ctx, a.input, filepath.Dir(manifestPath), m.JobID, m.Images)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to upload images", err)
	}
	f.VerboseLog("submitting job %s with %d image(s)", m.JobID, len(m.Images))

	var out model.IngestOutcome
	err = a.runLocal(ctx, func(ctx context.Context) error {
		var err error
		out, err = a.ctrl.Ingest(ctx, m)
		return err
	})
	if err != nil {
		_ = f.Error(CodeJob, "job failed", err.Error())
		return WrapExitError(ExitFailure, "job failed", err)
	}
	if out.Ignored {
		_ = f.Error(CodeJob, out.Reason, out)
		return NewExitError(ExitFailure, out.Reason)
	}
	return printReport(ctx, f, a.ctrl, m.JobID)
}

// runLocal runs fn with in-process consumers attached and waits until the
// bus has drained.
func (a *app) runLocal(ctx context.Context, fn func(ctx context.Context) error) error {
	if a.local == nil {
		return fn(ctx)
	}
	consumeCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.consume(consumeCtx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			slog.Error("consumer stopped with error", "error", err)
		}
	}()

	if err := fn(ctx); err != nil {
		return err
	}
	if err := a.local.WaitIdle(ctx); err != nil {
		return err
	}
	if dropped := a.local.Dropped(); len(dropped) > 0 {
		return fmt.Errorf("%d message(s) were dropped: %v", len(dropped), dropped)
	}
	return nil
}

// stageImages uploads images that exist on disk and returns the store keys
// the manifest should name.
func stageImages(ctx context.Context, input docstore.Store, dir, jobID string, images []string) ([]string, error) {
	keys := make([]string, 0, len(images))
	for _, img := range images {
		local := img
		if !filepath.IsAbs(local) {
			local = filepath.Join(dir, img)
		}
		data, err := os.ReadFile(local)
		if errors.Is(err, os.ErrNotExist) {
			keys = append(keys, img)
			continue
		}
		if err != nil {
			return nil, err
		}

		key := path.Join("incoming", jobID, filepath.Base(local))
		if err := input.Put(ctx, key, data, docstore.GuessMIME(key)); err != nil {
			return nil, err
		}
		sidecar, err := os.ReadFile(local + collab.SidecarSuffix)
		switch {
		case err == nil:
			if err := input.Put(ctx, key+collab.SidecarSuffix, sidecar, "application/json"); err != nil {
				return nil, err
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}
