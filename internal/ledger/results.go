package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/labeliq/internal/model"
)

// UpsertAgentResult records the latest status for (job, agent).
// Last write wins; no history is kept. A nil payload stores NULL.
func (s *Store) UpsertAgentResult(ctx context.Context, jobID, agent string, status model.AgentStatus, payload *model.AgentResultRecord) error {
	var payloadJSON sql.NullString
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("upsert agent result: marshal payload: %w", err)
		}
		payloadJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO agent_results (job_id, agent_name, status, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id, agent_name) DO UPDATE SET
			status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`), jobID, agent, string(status), payloadJSON, s.timestamp())
	if err != nil {
		return fmt.Errorf("upsert agent result %s/%s: %w", jobID, agent, err)
	}
	return nil
}

// ListAgentResults returns every agent row for a job ordered by agent name.
// Returns an empty slice (not nil) if there are none.
func (s *Store) ListAgentResults(ctx context.Context, jobID string) ([]model.AgentResult, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT job_id, agent_name, status, payload, updated_at
		FROM agent_results
		WHERE job_id = ?
		ORDER BY agent_name ASC
	`), jobID)
	if err != nil {
		return nil, fmt.Errorf("query agent results: %w", err)
	}
	defer rows.Close()

	results := []model.AgentResult{}
	for rows.Next() {
		var (
			r         model.AgentResult
			status    string
			payload   sql.NullString
			updatedAt string
		)
		if err := rows.Scan(&r.JobID, &r.Agent, &status, &payload, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan agent result: %w", err)
		}
		r.Status = model.AgentStatus(status)
		if payload.Valid && payload.String != "" {
			var rec model.AgentResultRecord
			if err := json.Unmarshal([]byte(payload.String), &rec); err != nil {
				return nil, fmt.Errorf("unmarshal agent result %s: %w", r.Agent, err)
			}
			r.Payload = &rec
		}
		if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent results: %w", err)
	}
	return results, nil
}
