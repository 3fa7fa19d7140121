package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/labeliq/internal/engine"
	"github.com/roach88/labeliq/internal/ledger"
	"github.com/roach88/labeliq/internal/model"
)

// jobView renders a job for text output. Counter and Groups are filled by
// the status command once the job has been dispatched.
type jobView struct {
	model.Job
	Counter *model.CompletionCounter `json:"counter,omitempty"`
	Groups  []model.GroupClaim       `json:"groups,omitempty"`
}

func (v jobView) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job %s: %s\n", v.ID, v.Status)
	if v.Mode != "" {
		fmt.Fprintf(&b, "  mode:    %s\n", v.Mode)
	}
	if v.FactsPath != "" {
		fmt.Fprintf(&b, "  facts:   %s\n", v.FactsPath)
	}
	if v.ReportPath != "" {
		fmt.Fprintf(&b, "  report:  %s\n", v.ReportPath)
	}
	if v.Error != "" {
		fmt.Fprintf(&b, "  error:   %s\n", v.Error)
	}
	if v.Counter != nil {
		fmt.Fprintf(&b, "  groups:  %d/%d completed\n", v.Counter.Completed, v.Counter.Total)
	}
	for _, g := range v.Groups {
		fmt.Fprintf(&b, "    %-12s %s\n", g.Group, g.State)
	}
	fmt.Fprintf(&b, "  updated: %s", v.UpdatedAt.Format(time.RFC3339))
	return b.String()
}

// jobList renders recent jobs for text output.
type jobList []model.Job

func (l jobList) Text() string {
	if len(l) == 0 {
		return "No jobs."
	}
	var b strings.Builder
	for _, j := range l {
		fmt.Fprintf(&b, "%-40s %-11s %s\n", j.ID, j.Status, j.UpdatedAt.Format(time.RFC3339))
	}
	return strings.TrimRight(b.String(), "\n")
}

// reportView renders a report summary for text output.
type reportView struct {
	model.ReportPayload
}

func (v reportView) Text() string {
	var b strings.Builder
	s := v.Summary
	fmt.Fprintf(&b, "Report for job %s", v.JobID)
	if v.Mode != "" {
		fmt.Fprintf(&b, " (%s)", v.Mode)
	}
	fmt.Fprintf(&b, "\n  compliance score: %.2f (%d/%d checks passed)\n", s.ComplianceScore, s.ChecksPassed, s.ChecksTotal)

	agents := make([]string, 0, len(v.Results))
	for name := range v.Results {
		agents = append(agents, name)
	}
	sort.Strings(agents)
	for _, name := range agents {
		r := v.Results[name]
		status := "ok"
		if r.Error != nil {
			status = fmt.Sprintf("error (%s after %d attempt(s))", r.Error.Kind, r.Attempts)
		}
		fmt.Fprintf(&b, "  %-24s %s\n", name, status)
	}
	if len(s.ErroredAgents) > 0 {
		fmt.Fprintf(&b, "  errored agents: %s\n", strings.Join(s.ErroredAgents, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

// withApp loads config, wires an app and runs fn with it.
func withApp(opts *RootOptions, cmd *cobra.Command, o appOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg, o)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's lifecycle status",
		Example: `  labeliq status 0190a5c2-7d1e-7c4b-9f7e-2d3c4b5a6978
  labeliq status job-123 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			return withApp(rootOpts, cmd, appOptions{forceLocal: true}, func(ctx context.Context, a *app) error {
				job, err := a.ctrl.Job(ctx, args[0])
				if errors.Is(err, ledger.ErrNotFound) {
					_ = f.Error(CodeNotFound, "job not found", args[0])
					return NewExitError(ExitFailure, "job not found")
				}
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read job", err)
				}
				view, err := describeJob(ctx, a.ledger, job)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read job progress", err)
				}
				return f.Success(job.ID, view)
			})
		},
	}
}

// describeJob adds group progress to a dispatched job.
func describeJob(ctx context.Context, l *ledger.Store, job model.Job) (jobView, error) {
	view := jobView{Job: job}
	counter, err := l.GetCounter(ctx, job.ID)
	if errors.Is(err, ledger.ErrNotFound) {
		return view, nil
	}
	if err != nil {
		return view, err
	}
	view.Counter = &counter
	view.Groups, err = l.ListGroupClaims(ctx, job.ID)
	return view, err
}

// NewJobsCommand creates the jobs command.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:           "jobs",
		Short:         "List the most recently updated jobs",
		Example:       `  labeliq jobs --limit 5`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			return withApp(rootOpts, cmd, appOptions{forceLocal: true}, func(ctx context.Context, a *app) error {
				jobs, err := a.ledger.ListJobs(ctx, limit)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to list jobs", err)
				}
				if f.Format == "json" {
					return f.Success("", jobs)
				}
				return f.Success("", jobList(jobs))
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of jobs to list")
	return cmd
}

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "report <job-id>",
		Short:         "Print a finished job's compliance report",
		Example:       `  labeliq report job-123 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			return withApp(rootOpts, cmd, appOptions{forceLocal: true}, func(ctx context.Context, a *app) error {
				return printReport(ctx, f, a.ctrl, args[0])
			})
		},
	}
}

func printReport(ctx context.Context, f *OutputFormatter, ctrl *engine.Controller, jobID string) error {
	report, err := ctrl.Report(ctx, jobID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		_ = f.Error(CodeNotFound, "job not found", jobID)
		return NewExitError(ExitFailure, "job not found")
	case errors.Is(err, engine.ErrReportNotReady):
		job, jobErr := ctrl.Job(ctx, jobID)
		if jobErr == nil {
			_ = f.Error(CodeNotReady, fmt.Sprintf("report not ready, job is %s", job.Status), job)
		} else {
			_ = f.Error(CodeNotReady, "report not ready", nil)
		}
		return NewExitError(ExitFailure, "report not ready")
	case err != nil:
		return WrapExitError(ExitCommandError, "failed to read report", err)
	}
	if f.Format == "json" {
		return f.Success(jobID, report)
	}
	return f.Success(jobID, reportView{report})
}

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	var factsPath string

	cmd := &cobra.Command{
		Use:   "dispatch <job-id>",
		Short: "Publish fan-out messages for an extracted job",
		Long: `Publish one fan-out message per group for a job whose facts are
already extracted. Groups that already finished are skipped by the workers,
so dispatching a job again is safe.

On the local transport the groups are executed in this process before the
command returns.

Example:
  labeliq dispatch job-123
  labeliq dispatch job-123 --facts facts/job-123.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			return withApp(rootOpts, cmd, appOptions{}, func(ctx context.Context, a *app) error {
				var n int
				err := a.runLocal(ctx, func(ctx context.Context) error {
					var err error
					n, err = a.ctrl.Dispatch(ctx, args[0], factsPath)
					return err
				})
				if errors.Is(err, ledger.ErrNotFound) {
					_ = f.Error(CodeNotFound, "job not found", args[0])
					return NewExitError(ExitFailure, "job not found")
				}
				if err != nil {
					_ = f.Error(CodeJob, "dispatch failed", err.Error())
					return WrapExitError(ExitFailure, "dispatch failed", err)
				}
				return f.Success(args[0], fmt.Sprintf("Dispatched %d group(s) for job %s", n, args[0]))
			})
		},
	}

	cmd.Flags().StringVar(&factsPath, "facts", "", "facts document key (defaults to the job's recorded facts path)")
	return cmd
}
