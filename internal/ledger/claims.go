package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/labeliq/internal/model"
)

// HasGroupDoneMarker reports whether (job, group) reached the done state.
func (s *Store) HasGroupDoneMarker(ctx context.Context, jobID, group string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM group_claims
		WHERE job_id = ? AND group_name = ? AND state = ?
	`), jobID, group, string(model.GroupDone)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check group done marker: %w", err)
	}
	return count > 0, nil
}

// ClaimGroupExecution inserts a claimed row for (job, group).
// Returns true only for the caller whose insert created the row; any
// existing row (claimed or done) is a conflict.
func (s *Store) ClaimGroupExecution(ctx context.Context, jobID, group string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO group_claims (job_id, group_name, state, counted, claimed_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(job_id, group_name) DO NOTHING
	`), jobID, group, string(model.GroupClaimed), s.timestamp())
	if err != nil {
		return false, fmt.Errorf("claim group execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim group execution: rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseGroupExecutionClaim deletes a claimed row so a redelivery can
// reclaim it. Rows already in the done state are left untouched.
func (s *Store) ReleaseGroupExecutionClaim(ctx context.Context, jobID, group string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM group_claims
		WHERE job_id = ? AND group_name = ? AND state = ?
	`), jobID, group, string(model.GroupClaimed))
	if err != nil {
		return fmt.Errorf("release group execution claim: %w", err)
	}
	return nil
}

// MarkGroupDone converts a claimed row to done. A row that is already done
// (for example because the fan-in step got there first) is left as is.
func (s *Store) MarkGroupDone(ctx context.Context, jobID, group string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE group_claims
		SET state = ?, done_at = ?
		WHERE job_id = ? AND group_name = ? AND state = ?
	`), string(model.GroupDone), s.timestamp(), jobID, group, string(model.GroupClaimed))
	if err != nil {
		return fmt.Errorf("mark group done: %w", err)
	}
	return nil
}

// ListGroupClaims returns the claim rows of a job ordered by group name.
func (s *Store) ListGroupClaims(ctx context.Context, jobID string) ([]model.GroupClaim, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT job_id, group_name, state, counted, claimed_at, done_at
		FROM group_claims
		WHERE job_id = ?
		ORDER BY group_name ASC
	`), jobID)
	if err != nil {
		return nil, fmt.Errorf("query group claims: %w", err)
	}
	defer rows.Close()

	claims := []model.GroupClaim{}
	for rows.Next() {
		var (
			c         model.GroupClaim
			state     string
			counted   int
			claimedAt string
			doneAt    sql.NullString
		)
		if err := rows.Scan(&c.JobID, &c.Group, &state, &counted, &claimedAt, &doneAt); err != nil {
			return nil, fmt.Errorf("scan group claim: %w", err)
		}
		c.State = model.GroupState(state)
		c.Counted = counted != 0
		if c.ClaimedAt, err = parseTime(claimedAt); err != nil {
			return nil, err
		}
		if doneAt.Valid {
			t, err := parseTime(doneAt.String)
			if err != nil {
				return nil, err
			}
			c.DoneAt = &t
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group claims: %w", err)
	}
	return claims, nil
}

// EnsureCounter creates the completion counter for a job with the given
// total. An existing counter is left unchanged.
func (s *Store) EnsureCounter(ctx context.Context, jobID string, total int) error {
	if total <= 0 {
		return fmt.Errorf("ensure counter: total must be positive, got %d", total)
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO completion_counters (job_id, completed_count, total_groups, finalize_claimed, updated_at)
		VALUES (?, 0, ?, 0, ?)
		ON CONFLICT(job_id) DO NOTHING
	`), jobID, total, s.timestamp())
	if err != nil {
		return fmt.Errorf("ensure counter: %w", err)
	}
	return nil
}

// GetCounter returns the completion counter of a job.
func (s *Store) GetCounter(ctx context.Context, jobID string) (model.CompletionCounter, error) {
	c := model.CompletionCounter{JobID: jobID}
	var claimed int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT completed_count, total_groups, finalize_claimed
		FROM completion_counters
		WHERE job_id = ?
	`), jobID).Scan(&c.Completed, &c.Total, &claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("get counter %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("get counter %s: %w", jobID, err)
	}
	c.FinalizeClaimed = claimed != 0
	return c, nil
}

// IncrementCompletedGroupsIfPending counts a group's completion at most
// once. In a single transaction it marks the (job, group) row as done and
// counted, and increments completed_count only if this call flipped the
// counted flag.
//
// Returns the counter values after the call and whether this call performed
// the increment. A second delivery for the same group returns
// incremented=false with unchanged counts.
func (s *Store) IncrementCompletedGroupsIfPending(ctx context.Context, jobID, group string) (completed, total int, incremented bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.q(`
			SELECT COUNT(*) FROM completion_counters WHERE job_id = ?
		`), jobID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("select counter: %w", err)
		}
		if exists == 0 {
			return ErrCounterMissing
		}

		now := s.timestamp()
		res, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO group_claims (job_id, group_name, state, counted, claimed_at, done_at)
			VALUES (?, ?, ?, 1, ?, ?)
			ON CONFLICT(job_id, group_name) DO UPDATE SET
				state = excluded.state,
				counted = 1,
				done_at = COALESCE(group_claims.done_at, excluded.done_at)
			WHERE group_claims.counted = 0
		`), jobID, group, string(model.GroupDone), now, now)
		if err != nil {
			return fmt.Errorf("mark counted: %w", err)
		}
		marked, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark counted: rows affected: %w", err)
		}

		if marked == 1 {
			res, err := tx.ExecContext(ctx, s.q(`
				UPDATE completion_counters
				SET completed_count = completed_count + 1, updated_at = ?
				WHERE job_id = ? AND completed_count < total_groups
			`), now, jobID)
			if err != nil {
				return fmt.Errorf("increment counter: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("increment counter: rows affected: %w", err)
			}
			if n == 0 {
				return ErrCounterFull
			}
			incremented = true
		}

		err = tx.QueryRowContext(ctx, s.q(`
			SELECT completed_count, total_groups FROM completion_counters WHERE job_id = ?
		`), jobID).Scan(&completed, &total)
		if err != nil {
			return fmt.Errorf("read counter: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, 0, false, fmt.Errorf("increment completed groups %s/%s: %w", jobID, group, err)
	}
	return completed, total, incremented, nil
}

// ClaimReportFinalize sets finalize_claimed for a job whose counter reached
// its total. At most one caller observes true until the claim is released.
func (s *Store) ClaimReportFinalize(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE completion_counters
		SET finalize_claimed = 1, updated_at = ?
		WHERE job_id = ? AND finalize_claimed = 0 AND completed_count = total_groups
	`), s.timestamp(), jobID)
	if err != nil {
		return false, fmt.Errorf("claim report finalize: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim report finalize: rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseReportFinalizeClaim clears finalize_claimed after a failed
// assembly so a redelivered signal can retry.
func (s *Store) ReleaseReportFinalizeClaim(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE completion_counters
		SET finalize_claimed = ?, updated_at = ?
		WHERE job_id = ?
	`), boolToInt(false), s.timestamp(), jobID)
	if err != nil {
		return fmt.Errorf("release report finalize claim: %w", err)
	}
	return nil
}
