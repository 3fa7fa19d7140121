package engine

import (
	"math"
	"sort"

	"github.com/roach88/labeliq/internal/model"
)

// Summarize aggregates question results across agents. The compliance
// score is the percentage of passing questions, rounded to two decimals.
func Summarize(results map[string]model.AgentResultRecord) model.ReportSummary {
	s := model.ReportSummary{ErroredAgents: []string{}}
	for name, rec := range results {
		if rec.Status == model.AgentError {
			s.ErroredAgents = append(s.ErroredAgents, name)
		}
		for _, q := range rec.Results {
			s.ChecksTotal++
			if q.Result == model.ResultPass {
				s.ChecksPassed++
			}
		}
	}
	sort.Strings(s.ErroredAgents)
	if s.ChecksTotal > 0 {
		score := float64(s.ChecksPassed) / float64(s.ChecksTotal) * 100
		s.ComplianceScore = math.Round(score*100) / 100
	}
	return s
}

// buildReport collects the final agent records of a job into a report.
// Rows still marked running carry no payload and are left out.
func buildReport(job model.Job, facts model.FactsPayload, rows []model.AgentResult, clock Clock) model.ReportPayload {
	results := make(map[string]model.AgentResultRecord, len(rows))
	for _, r := range rows {
		if r.Payload == nil {
			continue
		}
		results[r.Agent] = *r.Payload
	}
	mode := job.Mode
	if mode == "" {
		mode = facts.Mode
	}
	return model.ReportPayload{
		JobID:     job.ID,
		Mode:      mode,
		CreatedAt: clock.Now(),
		Facts:     facts,
		Results:   results,
		Summary:   Summarize(results),
	}
}
