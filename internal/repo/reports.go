package repo

import (
	"context"
	"database/sql"

	"centuria/internal/domain"
)

// Report queries accept a transaction so Summary can read everything from
// one snapshot.

func (r Repo) CountPersonsByRole(ctx context.Context, tx *sql.Tx) (map[domain.Role]int, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT role, COUNT(*) FROM persons GROUP BY role`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.Role]int{}
	for rows.Next() {
		var role domain.Role
		var n int
		if err := rows.Scan(&role, &n); err != nil {
			return nil, err
		}
		counts[role] = n
	}
	return counts, rows.Err()
}

func (r Repo) CountMissionsByStatus(ctx context.Context, tx *sql.Tx) (map[domain.MissionStatus]int, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT status, COUNT(*) FROM missions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.MissionStatus]int{}
	for rows.Next() {
		var status domain.MissionStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r Repo) CountTicketsByStatus(ctx context.Context, tx *sql.Tx) (map[domain.TicketStatus]int, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT status, COUNT(*) FROM tickets GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.TicketStatus]int{}
	for rows.Next() {
		var status domain.TicketStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// MeanDecisionSeconds averages the submission-to-decision latency over all
// decided missions. Returns 0 when nothing has been decided yet.
func (r Repo) MeanDecisionSeconds(ctx context.Context, tx *sql.Tx) (float64, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(AVG((julianday(decided_at) - julianday(submitted_at)) * 86400.0), 0)
FROM missions WHERE decided_at IS NOT NULL AND submitted_at IS NOT NULL`)
	var mean float64
	if err := row.Scan(&mean); err != nil {
		return 0, err
	}
	return mean, nil
}

func (r Repo) CompletedMissionsByAssignee(ctx context.Context, tx *sql.Tx) (map[string]int, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT assignee_id, COUNT(*) FROM missions
WHERE status=? AND assignee_id IS NOT NULL GROUP BY assignee_id`, string(domain.MissionCompleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}
