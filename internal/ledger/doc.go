// Package ledger is the durable store labeliq workers coordinate through.
//
// Every coordination primitive is a single conditional write (or a single
// transaction) against one of four tables:
//   - jobs: lifecycle status and document pointers
//   - agent_results: latest outcome per (job, agent)
//   - group_claims: per-(job, group) claim rows; the done state doubles as
//     the fan-in dedup marker
//   - completion_counters: per-job completed/total counts and the finalize flag
//
// There are no in-memory locks. Workers may be separate processes, so
// exclusivity comes from primary keys (INSERT ... ON CONFLICT DO NOTHING and
// RowsAffected) and guarded UPDATEs.
//
// # Backends
//
// The same SQL runs on SQLite (github.com/mattn/go-sqlite3) and PostgreSQL
// (github.com/jackc/pgx/v5 through database/sql). Queries are written with
// ? placeholders and rebound to $n for PostgreSQL.
//
// SQLite is configured with:
//   - WAL mode: concurrent reads during writes
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
//   - _txlock=immediate: transactions take the write lock at BEGIN, which is
//     what makes the check-marker-then-increment step atomic across processes
package ledger
