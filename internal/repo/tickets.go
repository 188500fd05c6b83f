package repo

import (
	"context"
	"database/sql"

	"centuria/internal/domain"
)

const ticketColumns = `id, submitter_id, body, status, handler_id, resolution, created_at, updated_at, closed_at`

func scanTicketRow(scan func(dest ...any) error) (domain.Ticket, error) {
	var t domain.Ticket
	var handler, resolution, closedAt sql.NullString
	err := scan(&t.ID, &t.SubmitterID, &t.Body, &t.Status, &handler, &resolution, &t.CreatedAt, &t.UpdatedAt, &closedAt)
	if err != nil {
		return t, err
	}
	if handler.Valid {
		t.HandlerID = &handler.String
	}
	if resolution.Valid {
		t.Resolution = &resolution.String
	}
	if closedAt.Valid {
		t.ClosedAt = &closedAt.String
	}
	return t, nil
}

func (r Repo) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	return r.GetTicketTx(ctx, nil, id)
}

func (r Repo) GetTicketTx(ctx context.Context, tx *sql.Tx, id string) (domain.Ticket, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id)
	t, err := scanTicketRow(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) InsertTicketTx(ctx context.Context, tx *sql.Tx, t domain.Ticket) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tickets(id, submitter_id, body, status, handler_id, resolution, created_at, updated_at, closed_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.SubmitterID, t.Body, string(t.Status), nullableStringPtr(t.HandlerID), nullableStringPtr(t.Resolution),
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.ClosedAt))
	return err
}

// ActiveTicketTx returns the submitter's non-terminal ticket, if any.
func (r Repo) ActiveTicketTx(ctx context.Context, tx *sql.Tx, submitterID string) (domain.Ticket, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets
WHERE submitter_id=? AND status IN (?,?) LIMIT 1`,
		submitterID, string(domain.TicketOpen), string(domain.TicketInProgress))
	t, err := scanTicketRow(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// ClaimTicketTx takes an Open ticket for the handler. The status pin in
// the WHERE clause makes concurrent claims mutually exclusive.
func (r Repo) ClaimTicketTx(ctx context.Context, tx *sql.Tx, id, handlerID, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tickets SET status=?, handler_id=?, updated_at=? WHERE id=? AND status=?`,
		string(domain.TicketInProgress), handlerID, now, id, string(domain.TicketOpen))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CloseTicketTx moves a ticket to a terminal status from one of the
// allowed prior statuses, recording the resolution note.
func (r Repo) CloseTicketTx(ctx context.Context, tx *sql.Tx, id string, to domain.TicketStatus, note, now string, allowed ...domain.TicketStatus) (bool, error) {
	query := `UPDATE tickets SET status=?, resolution=?, closed_at=?, updated_at=? WHERE id=? AND status IN (`
	args := []any{string(to), nullable(note), now, now, id}
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

// TicketFilter narrows ListTickets.
type TicketFilter struct {
	Status      domain.TicketStatus
	SubmitterID string
}

func (r Repo) ListTickets(ctx context.Context, f TicketFilter) ([]domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets`
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, string(f.Status))
	}
	if f.SubmitterID != "" {
		conds = append(conds, "submitter_id=?")
		args = append(args, f.SubmitterID)
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
	var res []domain.Ticket
	for rows.Next() {
		t, err := scanTicketRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) AppendTicketMessageTx(ctx context.Context, tx *sql.Tx, m domain.TicketMessage) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO ticket_messages(ticket_id, author_id, body, created_at) VALUES (?,?,?,?)`,
		m.TicketID, m.AuthorID, m.Body, m.CreatedAt)
	return err
}

func (r Repo) ListTicketMessages(ctx context.Context, ticketID string) ([]domain.TicketMessage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, ticket_id, author_id, body, created_at FROM ticket_messages WHERE ticket_id=? ORDER BY id`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TicketMessage
	for rows.Next() {
		var m domain.TicketMessage
		if err := rows.Scan(&m.ID, &m.TicketID, &m.AuthorID, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
