package repo

import (
	"context"
	"database/sql"
	"errors"

	"centuria/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// --- persons ---

func scanPerson(row *sql.Row) (domain.Person, error) {
	var p domain.Person
	var callsign sql.NullString
	var ready int
	err := row.Scan(&p.ID, &p.Role, &callsign, &ready, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if callsign.Valid {
		p.Callsign = &callsign.String
	}
	p.Ready = ready != 0
	return p, nil
}

const personColumns = `id, role, callsign, ready, created_at, updated_at`

func (r Repo) GetPerson(ctx context.Context, id string) (domain.Person, error) {
	return r.GetPersonTx(ctx, nil, id)
}

func (r Repo) GetPersonTx(ctx context.Context, tx *sql.Tx, id string) (domain.Person, error) {
	return scanPerson(r.q(tx).QueryRowContext(ctx, `SELECT `+personColumns+` FROM persons WHERE id=?`, id))
}

// UpsertPersonTx creates the person or updates their role, keeping the
// original creation timestamp.
func (r Repo) UpsertPersonTx(ctx context.Context, tx *sql.Tx, p domain.Person) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO persons(id, role, callsign, ready, created_at, updated_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET role=excluded.role, updated_at=excluded.updated_at`,
		p.ID, string(p.Role), nullableStringPtr(p.Callsign), boolInt(p.Ready), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) SetRoleTx(ctx context.Context, tx *sql.Tx, id string, role domain.Role, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE persons SET role=?, updated_at=? WHERE id=?`, string(role), now, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r Repo) SetCallsignTx(ctx context.Context, tx *sql.Tx, id, callsign, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE persons SET callsign=?, updated_at=? WHERE id=?`, callsign, now, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r Repo) SetReadyTx(ctx context.Context, tx *sql.Tx, id string, ready bool, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE persons SET ready=?, updated_at=? WHERE id=?`, boolInt(ready), now, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r Repo) DeletePersonTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM persons WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r Repo) ListPersons(ctx context.Context, role domain.Role) ([]domain.Person, error) {
	query := `SELECT ` + personColumns + ` FROM persons`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, string(role))
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Person
	for rows.Next() {
		var p domain.Person
		var callsign sql.NullString
		var ready int
		if err := rows.Scan(&p.ID, &p.Role, &callsign, &ready, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if callsign.Valid {
			p.Callsign = &callsign.String
		}
		p.Ready = ready != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- missions ---

const missionColumns = `id, creator_id, assignee_id, title, COALESCE(description,''), status, created_at, updated_at, submitted_at, decided_at, decided_by`

func scanMissionRow(scan func(dest ...any) error) (domain.Mission, error) {
	var m domain.Mission
	var assignee, submittedAt, decidedAt, decidedBy sql.NullString
	err := scan(&m.ID, &m.CreatorID, &assignee, &m.Title, &m.Description, &m.Status, &m.CreatedAt, &m.UpdatedAt, &submittedAt, &decidedAt, &decidedBy)
	if err != nil {
		return m, err
	}
	if assignee.Valid {
		m.AssigneeID = &assignee.String
	}
	if submittedAt.Valid {
		m.SubmittedAt = &submittedAt.String
	}
	if decidedAt.Valid {
		m.DecidedAt = &decidedAt.String
	}
	if decidedBy.Valid {
		m.DecidedBy = &decidedBy.String
	}
	return m, nil
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return r.GetMissionTx(ctx, nil, id)
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id)
	m, err := scanMissionRow(row.Scan)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) InsertMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO missions(id, creator_id, assignee_id, title, description, status, created_at, updated_at, submitted_at, decided_at, decided_by)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.CreatorID, nullableStringPtr(m.AssigneeID), m.Title, nullable(m.Description), string(m.Status),
		m.CreatedAt, m.UpdatedAt, nullableStringPtr(m.SubmittedAt), nullableStringPtr(m.DecidedAt), nullableStringPtr(m.DecidedBy))
	return err
}

// SubmitMissionTx is TransitionMissionTx plus the submission timestamp.
func (r Repo) SubmitMissionTx(ctx context.Context, tx *sql.Tx, id string, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE missions SET status=?, submitted_at=?, updated_at=? WHERE id=? AND status=?`,
		string(domain.MissionPendingApproval), now, now, id, string(domain.MissionDraft))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TransitionMissionTx moves the mission from one exact status to another.
// The WHERE clause pins the prior status so a concurrent writer that
// already moved the mission makes this update a no-op; the caller then
// re-reads and reports the conflict.
func (r Repo) TransitionMissionTx(ctx context.Context, tx *sql.Tx, id string, from, to domain.MissionStatus, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE missions SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(to), now, id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DecideMissionTx is TransitionMissionTx plus the decision audit fields.
func (r Repo) DecideMissionTx(ctx context.Context, tx *sql.Tx, id string, from, to domain.MissionStatus, decidedBy, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE missions SET status=?, decided_at=?, decided_by=?, updated_at=? WHERE id=? AND status=?`,
		string(to), now, decidedBy, now, id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AssignMissionTx sets the assignee while the mission is still in one of
// the allowed statuses.
func (r Repo) AssignMissionTx(ctx context.Context, tx *sql.Tx, id, assigneeID, now string, allowed ...domain.MissionStatus) (bool, error) {
	query := `UPDATE missions SET assignee_id=?, updated_at=? WHERE id=? AND status IN (`
	args := []any{assigneeID, now, id}
	for i, s := range allowed {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, string(s))
	}
	query += `)`
	res, err := r.q(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MissionFilter narrows ListMissions.
type MissionFilter struct {
	Status     domain.MissionStatus
	CreatorID  string
	AssigneeID string
}

func (r Repo) ListMissions(ctx context.Context, f MissionFilter) ([]domain.Mission, error) {
	query := `SELECT ` + missionColumns + ` FROM missions`
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, string(f.Status))
	}
	if f.CreatorID != "" {
		conds = append(conds, "creator_id=?")
		args = append(args, f.CreatorID)
	}
	if f.AssigneeID != "" {
		conds = append(conds, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	for i, c := range conds {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMissionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// --- helpers ---

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
