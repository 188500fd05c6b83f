package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"centuria/internal/config"
	"centuria/internal/domain"
	"centuria/internal/engine/auth"
	"centuria/internal/events"
	"centuria/internal/repo"
)

// Engine applies the role-gated workflow rules on top of the store. Every
// mutating operation runs in a single transaction; a failed operation
// leaves all records untouched.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// caller loads the acting person inside the operation's transaction.
func (e Engine) caller(ctx context.Context, tx *sql.Tx, callerID string) (domain.Person, error) {
	p, err := e.Repo.GetPersonTx(ctx, tx, callerID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return p, fmt.Errorf("caller %s: %w", callerID, repo.ErrNotFound)
		}
		return p, err
	}
	return p, nil
}

// --- role registry ---

// Register creates a person or updates their role. Self-registration is
// only ever Private; everything else is rank-bounded like Promote.
func (e Engine) Register(ctx context.Context, callerID, personID string, role domain.Role) (domain.Person, error) {
	if !role.Valid() {
		return domain.Person{}, auth.InvalidRoleError{Role: string(role)}
	}
	if personID == "" {
		return domain.Person{}, errors.New("person id required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Person{}, err
	}
	defer tx.Rollback()

	selfJoin := callerID == personID && role == domain.RolePrivate
	if !selfJoin {
		caller, err := e.caller(ctx, tx, callerID)
		if callerID == personID && errors.Is(err, repo.ErrNotFound) {
			// an unknown person picking their own starting rank
			return domain.Person{}, auth.UnauthorizedError{
				CallerID: callerID,
				Reason:   fmt.Sprintf("self-registration is limited to role %s", domain.RolePrivate),
			}
		}
		if err != nil {
			return domain.Person{}, err
		}
		if !auth.Outranks(caller.Role, role) {
			return domain.Person{}, auth.UnauthorizedError{
				CallerID: callerID,
				Reason:   fmt.Sprintf("assigning role %s requires a strictly higher rank", role),
			}
		}
	}

	now := e.nowString()
	existing, err := e.Repo.GetPersonTx(ctx, tx, personID)
	created := errors.Is(err, repo.ErrNotFound)
	if err != nil && !created {
		return domain.Person{}, err
	}
	p := domain.Person{ID: personID, Role: role, CreatedAt: now, UpdatedAt: now}
	if !created {
		p.CreatedAt = existing.CreatedAt
		p.Callsign = existing.Callsign
		p.Ready = existing.Ready
	}
	if err := e.Repo.UpsertPersonTx(ctx, tx, p); err != nil {
		return domain.Person{}, err
	}
	if err := e.Events.Append(ctx, tx, "person.registered", "person", personID, callerID, events.EventPayload{
		"role":    string(role),
		"created": created,
	}); err != nil {
		return domain.Person{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Person{}, err
	}
	return p, nil
}

// setRole applies the shared promote/demote rule: the caller may only
// assign a role strictly below their own rank.
func (e Engine) setRole(ctx context.Context, callerID, personID string, role domain.Role, evtType string) (domain.Person, error) {
	if !role.Valid() {
		return domain.Person{}, auth.InvalidRoleError{Role: string(role)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Person{}, err
	}
	defer tx.Rollback()

	caller, err := e.caller(ctx, tx, callerID)
	if err != nil {
		return domain.Person{}, err
	}
	if !auth.Outranks(caller.Role, role) {
		return domain.Person{}, auth.UnauthorizedError{
			CallerID: callerID,
			Reason:   fmt.Sprintf("assigning role %s requires a strictly higher rank", role),
		}
	}
	target, err := e.Repo.GetPersonTx(ctx, tx, personID)
	if err != nil {
		return domain.Person{}, err
	}
	now := e.nowString()
	if err := e.Repo.SetRoleTx(ctx, tx, personID, role, now); err != nil {
		return domain.Person{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, "person", personID, callerID, events.EventPayload{
		"from_role": string(target.Role),
		"to_role":   string(role),
	}); err != nil {
		return domain.Person{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Person{}, err
	}
	target.Role = role
	target.UpdatedAt = now
	return target, nil
}

func (e Engine) Promote(ctx context.Context, callerID, personID string, role domain.Role) (domain.Person, error) {
	return e.setRole(ctx, callerID, personID, role, "person.promoted")
}

func (e Engine) Demote(ctx context.Context, callerID, personID string, role domain.Role) (domain.Person, error) {
	return e.setRole(ctx, callerID, personID, role, "person.demoted")
}

// SetCallsign records a display alias. Command staff only.
func (e Engine) SetCallsign(ctx context.Context, callerID, personID, callsign string) (domain.Person, error) {
	callsign = strings.TrimSpace(callsign)
	if callsign == "" {
		return domain.Person{}, errors.New("callsign required")
	}
	if max := e.Config.Limits.MaxCallsignLength; len([]rune(callsign)) > max {
		return domain.Person{}, fmt.Errorf("callsign exceeds %d characters", max)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Person{}, err
	}
	defer tx.Rollback()

	caller, err := e.caller(ctx, tx, callerID)
	if err != nil {
		return domain.Person{}, err
	}
	if err := auth.RequireRank(caller, domain.RoleDecurion); err != nil {
		return domain.Person{}, err
	}
	now := e.nowString()
	if err := e.Repo.SetCallsignTx(ctx, tx, personID, callsign, now); err != nil {
		return domain.Person{}, err
	}
	if err := e.Events.Append(ctx, tx, "person.callsign", "person", personID, callerID, events.EventPayload{
		"callsign": callsign,
	}); err != nil {
		return domain.Person{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Person{}, err
	}
	return e.Repo.GetPerson(ctx, personID)
}

// SetReady toggles the person's own readiness flag.
func (e Engine) SetReady(ctx context.Context, personID string, ready bool) (domain.Person, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Person{}, err
	}
	defer tx.Rollback()

	now := e.nowString()
	if err := e.Repo.SetReadyTx(ctx, tx, personID, ready, now); err != nil {
		return domain.Person{}, err
	}
	if err := e.Events.Append(ctx, tx, "person.ready", "person", personID, personID, events.EventPayload{
		"ready": ready,
	}); err != nil {
		return domain.Person{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Person{}, err
	}
	return e.Repo.GetPerson(ctx, personID)
}

// RemovePerson deletes a person from the registry. The caller must
// strictly outrank the target.
func (e Engine) RemovePerson(ctx context.Context, callerID, personID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	caller, err := e.caller(ctx, tx, callerID)
	if err != nil {
		return err
	}
	target, err := e.Repo.GetPersonTx(ctx, tx, personID)
	if err != nil {
		return err
	}
	if !auth.Outranks(caller.Role, target.Role) {
		return auth.UnauthorizedError{
			CallerID: callerID,
			Reason:   "removal requires a strictly higher rank than the target",
		}
	}
	if err := e.Repo.DeletePersonTx(ctx, tx, personID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "person.removed", "person", personID, callerID, events.EventPayload{
		"role": string(target.Role),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetPerson(ctx context.Context, personID string) (domain.Person, error) {
	return e.Repo.GetPerson(ctx, personID)
}

func (e Engine) ListPersons(ctx context.Context, role domain.Role) ([]domain.Person, error) {
	if role != "" && !role.Valid() {
		return nil, auth.InvalidRoleError{Role: string(role)}
	}
	return e.Repo.ListPersons(ctx, role)
}

// --- mission workflow ---

// MissionCreateOptions are parameters for creating a mission.
type MissionCreateOptions struct {
	ID          string
	Title       string
	Description string
	AssigneeID  string
	CallerID    string
}

func (e Engine) CreateMission(ctx context.Context, opts MissionCreateOptions) (domain.Mission, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Mission{}, errors.New("title is required")
	}
	if max := e.Config.Limits.MaxTitleLength; len([]rune(opts.Title)) > max {
		return domain.Mission{}, fmt.Errorf("title exceeds %d characters", max)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	caller, err := e.caller(ctx, tx, opts.CallerID)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := auth.RequireRank(caller, domain.RoleDecurion); err != nil {
		return domain.Mission{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	} else if _, err := e.Repo.GetMissionTx(ctx, tx, id); err == nil {
		return domain.Mission{}, fmt.Errorf("mission %s: %w", id, ErrAlreadyExists)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Mission{}, err
	}
	now := e.nowString()
	m := domain.Mission{
		ID:          id,
		CreatorID:   opts.CallerID,
		Title:       strings.TrimSpace(opts.Title),
		Description: opts.Description,
		Status:      domain.MissionDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.AssigneeID != "" {
		if _, err := e.Repo.GetPersonTx(ctx, tx, opts.AssigneeID); err != nil {
			return domain.Mission{}, fmt.Errorf("assignee %s: %w", opts.AssigneeID, err)
		}
		m.AssigneeID = &opts.AssigneeID
	}
	if err := e.Repo.InsertMissionTx(ctx, tx, m); err != nil {
		return domain.Mission{}, err
	}
	if err := e.Events.Append(ctx, tx, "mission.created", "mission", m.ID, opts.CallerID, events.EventPayload{
		"title":  m.Title,
		"status": string(m.Status),
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

// SubmitMission moves a draft into the approval queue. Permitted to the
// creator or any command staff.
func (e Engine) SubmitMission(ctx context.Context, callerID, missionID string) (domain.Mission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	caller, err := e.caller(ctx, tx, callerID)
	if err != nil {
		return domain.Mission{}, err
	}
	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if m.CreatorID != callerID && !auth.CommandStaff(caller.Role) {
		return domain.Mission{}, auth.UnauthorizedError{CallerID: callerID, Need: domain.RoleDecurion}
	}
	now := e.nowString()
	ok, err := e.Repo.SubmitMissionTx(ctx, tx, missionID, now)
	if err != nil {
		return domain.Mission{}, err
	}
	if !ok {
		return domain.Mission{}, e.missionConflict(ctx, tx, missionID, domain.MissionPendingApproval)
	}
	if err := e.Events.Append(ctx, tx, "mission.submitted", "mission", missionID, callerID, nil); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return e.Repo.GetMission(ctx, missionID)
}

// decide handles the Approve/Reject pair at the approval gate.
func (e Engine) decide(ctx context.Context, callerID, missionID string, to domain.MissionStatus, evtType string) (domain.Mission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	caller, err := e.caller(ctx, tx, callerID)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := auth.RequireRank(caller, domain.RoleCenturion); err != nil {
		return domain.Mission{}, err
	}
	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if m.CreatorID == callerID {
		return domain.Mission{}, auth.UnauthorizedError{
			CallerID: callerID,
			Reason:   "mission creators cannot decide on their own missions",
		}
	}
	now := e.nowString()
	ok, err := e.Repo.DecideMissionTx(ctx, tx, missionID, domain.MissionPendingApproval, to, callerID, now)
	if err != nil {
		return domain.Mission{}, err
	}
	if !ok {
		return domain.Mission{}, e.missionConflict(ctx, tx, missionID, to)
	}
	if err := e.Events.Append(ctx, tx, evtType, "mission", missionID, callerID, events.EventPayload{
		"decided_by": callerID,
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return e.Repo.GetMission(ctx, missionID)
}

func (e Engine) ApproveMission(ctx context.Context, callerID, missionID string) (domain.Mission, error) {
	return e.decide(ctx, callerID, missionID, domain.MissionApproved, "mission.approved")
}

func (e Engine) RejectMission(ctx context.Context, callerID, missionID string) (domain.Mission, error) {
	return e.decide(ctx, callerID, missionID, domain.MissionRejected, "mission.rejected")
}

// assignableStatuses are the only statuses in which the assignee may
// still change.
var assignableStatuses = []domain.MissionStatus{
	domain.MissionDraft,
	domain.MissionPendingApproval,
	domain.MissionApproved,
}

// AssignMission sets the assignee. Command staff only; the assignment is
// locked once the mission is running.
func (e Engine) AssignMission(ctx context.Context, callerID, missionID, personID string) (domain.Mission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	caller, err := e.caller(ctx, tx, callerID)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := auth.RequireRank(caller, domain.RoleDecurion); err != nil {
		return domain.Mission{}, err
	}
	if _, err := e.Repo.GetPersonTx(ctx, tx, personID); err != nil {
		return domain.Mission{}, fmt.Errorf("assignee %s: %w", personID, err)
	}
	if _, err := e.Repo.GetMissionTx(ctx, tx, missionID); err != nil {
		return domain.Mission{}, err
	}
	now := e.nowString()
	ok, err := e.Repo.AssignMissionTx(ctx, tx, missionID, personID, now, assignableStatuses...)
	if err != nil {
		return domain.Mission{}, err
	}
	if !ok {
		return domain.Mission{}, LockedAssignmentError{MissionID: missionID}
	}
	if err := e.Events.Append(ctx, tx, "mission.assigned", "mission", missionID, callerID, events.EventPayload{
		"assignee_id": personID,
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return e.Repo.GetMission(ctx, missionID)
}

// StartMission moves an approved mission into execution. Only the
// assignee may start it.
func (e Engine) StartMission(ctx context.Context, callerID, missionID string) (domain.Mission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	if _, err := e.caller(ctx, tx, callerID); err != nil {
		return domain.Mission{}, err
	}
	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if m.AssigneeID == nil || *m.AssigneeID != callerID {
		return domain.Mission{}, NotAssignedError{MissionID: missionID}
	}
	now := e.nowString()
	ok, err := e.Repo.TransitionMissionTx(ctx, tx, missionID, domain.MissionApproved, domain.MissionInProgress, now)
	if err != nil {
		return domain.Mission{}, err
	}
	if !ok {
		return domain.Mission{}, e.missionConflict(ctx, tx, missionID, domain.MissionInProgress)
	}
	if err := e.Events.Append(ctx, tx, "mission.started", "mission", missionID, callerID, nil); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return e.Repo.GetMission(ctx, missionID)
}

// CompleteMission finishes a running mission. Permitted to the assignee
// or any command staff.
func (e Engine) CompleteMission(ctx context.Context, callerID, missionID string) (domain.Mission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	caller, err := e.caller(ctx, tx, callerID)
	if err != nil {
		return domain.Mission{}, err
	}
	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	isAssignee := m.AssigneeID != nil && *m.AssigneeID == callerID
	if !isAssignee && !auth.CommandStaff(caller.Role) {
		return domain.Mission{}, auth.UnauthorizedError{CallerID: callerID, Need: domain.RoleDecurion}
	}
	now := e.nowString()
	ok, err := e.Repo.TransitionMissionTx(ctx, tx, missionID, domain.MissionInProgress, domain.MissionCompleted, now)
	if err != nil {
		return domain.Mission{}, err
	}
	if !ok {
		return domain.Mission{}, e.missionConflict(ctx, tx, missionID, domain.MissionCompleted)
	}
	if err := e.Events.Append(ctx, tx, "mission.completed", "mission", missionID, callerID, nil); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return e.Repo.GetMission(ctx, missionID)
}

// CancelMission terminates an approved or running mission. Centurion and
// above only.
func (e Engine) CancelMission(ctx context.Context, callerID, missionID string) (domain.Mission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	caller, err := e.caller(ctx, tx, callerID)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := auth.RequireRank(caller, domain.RoleCenturion); err != nil {
		return domain.Mission{}, err
	}
	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	from := m.Status
	if from != domain.MissionApproved && from != domain.MissionInProgress {
		return domain.Mission{}, InvalidTransitionError{
			Entity: "mission", ID: missionID,
			From: string(from), To: string(domain.MissionCancelled),
		}
	}
	now := e.nowString()
	ok, err := e.Repo.TransitionMissionTx(ctx, tx, missionID, from, domain.MissionCancelled, now)
	if err != nil {
		return domain.Mission{}, err
	}
	if !ok {
		return domain.Mission{}, e.missionConflict(ctx, tx, missionID, domain.MissionCancelled)
	}
	if err := e.Events.Append(ctx, tx, "mission.cancelled", "mission", missionID, callerID, events.EventPayload{
		"from_status": string(from),
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return e.Repo.GetMission(ctx, missionID)
}

func (e Engine) GetMission(ctx context.Context, missionID string) (domain.Mission, error) {
	return e.Repo.GetMission(ctx, missionID)
}

func (e Engine) ListMissions(ctx context.Context, f repo.MissionFilter) ([]domain.Mission, error) {
	return e.Repo.ListMissions(ctx, f)
}

// missionConflict reports the transition that was actually refused: the
// guarded UPDATE matched no row, so the mission moved under us (or was
// never in the expected state).
func (e Engine) missionConflict(ctx context.Context, tx *sql.Tx, missionID string, to domain.MissionStatus) error {
	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return err
	}
	return InvalidTransitionError{
		Entity: "mission", ID: missionID,
		From: string(m.Status), To: string(to),
	}
}

// --- ticket queue ---

// SubmitTicket opens a support ticket. One non-terminal ticket per
// submitter at a time.
func (e Engine) SubmitTicket(ctx context.Context, callerID, body string) (domain.Ticket, error) {
	if strings.TrimSpace(body) == "" {
		return domain.Ticket{}, ErrEmptyBody
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()

	if _, err := e.caller(ctx, tx, callerID); err != nil {
		return domain.Ticket{}, err
	}
	if existing, err := e.Repo.ActiveTicketTx(ctx, tx, callerID); err == nil {
		return domain.Ticket{}, fmt.Errorf("active ticket %s: %w", existing.ID, ErrAlreadyExists)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Ticket{}, err
	}
	now := e.nowString()
	t := domain.Ticket{
		ID:          uuid.New().String(),
		SubmitterID: callerID,
		Body:        body,
		Status:      domain.TicketOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertTicketTx(ctx, tx, t); err != nil {
		return domain.Ticket{}, err
	}
	if err := e.Repo.AppendTicketMessageTx(ctx, tx, domain.TicketMessage{
		TicketID: t.ID, AuthorID: callerID, Body: body, CreatedAt: now,
	}); err != nil {
		return domain.Ticket{}, err
	}
	if err := e.Events.Append(ctx, tx, "ticket.submitted", "ticket", t.ID, callerID, events.EventPayload{
		"status": string(t.Status),
	}); err != nil {
		return domain.Ticket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	return t, nil
}

// ClaimTicket takes an open ticket. Command staff only; exactly one of
// two concurrent claims succeeds.
func (e Engine) ClaimTicket(ctx context.Context, callerID, ticketID string) (domain.Ticket, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()

	caller, err := e.caller(ctx, tx, callerID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := auth.RequireRank(caller, domain.RoleDecurion); err != nil {
		return domain.Ticket{}, err
	}
	if _, err := e.Repo.GetTicketTx(ctx, tx, ticketID); err != nil {
		return domain.Ticket{}, err
	}
	now := e.nowString()
	ok, err := e.Repo.ClaimTicketTx(ctx, tx, ticketID, callerID, now)
	if err != nil {
		return domain.Ticket{}, err
	}
	if !ok {
		return domain.Ticket{}, e.ticketConflict(ctx, tx, ticketID, domain.TicketInProgress)
	}
	if err := e.Events.Append(ctx, tx, "ticket.claimed", "ticket", ticketID, callerID, events.EventPayload{
		"handler_id": callerID,
	}); err != nil {
		return domain.Ticket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	return e.Repo.GetTicket(ctx, ticketID)
}

// close handles the Resolve/Reject pair. Permitted to the current handler
// or Centurion and above.
func (e Engine) closeTicket(ctx context.Context, callerID, ticketID, note string, to domain.TicketStatus, evtType string, allowed ...domain.TicketStatus) (domain.Ticket, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()

	caller, err := e.caller(ctx, tx, callerID)
	if err != nil {
		return domain.Ticket{}, err
	}
	t, err := e.Repo.GetTicketTx(ctx, tx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	isHandler := t.HandlerID != nil && *t.HandlerID == callerID
	if !isHandler && !auth.AtLeast(caller.Role, domain.RoleCenturion) {
		return domain.Ticket{}, auth.UnauthorizedError{CallerID: callerID, Need: domain.RoleCenturion}
	}
	now := e.nowString()
	ok, err := e.Repo.CloseTicketTx(ctx, tx, ticketID, to, note, now, allowed...)
	if err != nil {
		return domain.Ticket{}, err
	}
	if !ok {
		return domain.Ticket{}, e.ticketConflict(ctx, tx, ticketID, to)
	}
	if err := e.Events.Append(ctx, tx, evtType, "ticket", ticketID, callerID, events.EventPayload{
		"note": note,
	}); err != nil {
		return domain.Ticket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	return e.Repo.GetTicket(ctx, ticketID)
}

func (e Engine) ResolveTicket(ctx context.Context, callerID, ticketID, note string) (domain.Ticket, error) {
	return e.closeTicket(ctx, callerID, ticketID, note, domain.TicketResolved, "ticket.resolved",
		domain.TicketInProgress)
}

func (e Engine) RejectTicket(ctx context.Context, callerID, ticketID, note string) (domain.Ticket, error) {
	return e.closeTicket(ctx, callerID, ticketID, note, domain.TicketRejected, "ticket.rejected",
		domain.TicketOpen, domain.TicketInProgress)
}

// ReplyTicket appends to the conversation thread of an open ticket.
// Permitted to the submitter, the handler, or Centurion and above.
func (e Engine) ReplyTicket(ctx context.Context, callerID, ticketID, body string) (domain.TicketMessage, error) {
	if strings.TrimSpace(body) == "" {
		return domain.TicketMessage{}, ErrEmptyBody
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TicketMessage{}, err
	}
	defer tx.Rollback()

	caller, err := e.caller(ctx, tx, callerID)
	if err != nil {
		return domain.TicketMessage{}, err
	}
	t, err := e.Repo.GetTicketTx(ctx, tx, ticketID)
	if err != nil {
		return domain.TicketMessage{}, err
	}
	isParty := t.SubmitterID == callerID || (t.HandlerID != nil && *t.HandlerID == callerID)
	if !isParty && !auth.AtLeast(caller.Role, domain.RoleCenturion) {
		return domain.TicketMessage{}, auth.UnauthorizedError{CallerID: callerID, Need: domain.RoleCenturion}
	}
	if t.Status.Terminal() {
		return domain.TicketMessage{}, InvalidTransitionError{
			Entity: "ticket", ID: ticketID,
			From: string(t.Status), To: string(t.Status),
		}
	}
	now := e.nowString()
	msg := domain.TicketMessage{TicketID: ticketID, AuthorID: callerID, Body: body, CreatedAt: now}
	if err := e.Repo.AppendTicketMessageTx(ctx, tx, msg); err != nil {
		return domain.TicketMessage{}, err
	}
	if err := e.Events.Append(ctx, tx, "ticket.replied", "ticket", ticketID, callerID, nil); err != nil {
		return domain.TicketMessage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TicketMessage{}, err
	}
	return msg, nil
}

func (e Engine) GetTicket(ctx context.Context, ticketID string) (domain.Ticket, error) {
	return e.Repo.GetTicket(ctx, ticketID)
}

func (e Engine) ListTickets(ctx context.Context, f repo.TicketFilter) ([]domain.Ticket, error) {
	return e.Repo.ListTickets(ctx, f)
}

func (e Engine) TicketHistory(ctx context.Context, ticketID string) ([]domain.TicketMessage, error) {
	if _, err := e.Repo.GetTicket(ctx, ticketID); err != nil {
		return nil, err
	}
	return e.Repo.ListTicketMessages(ctx, ticketID)
}

func (e Engine) ticketConflict(ctx context.Context, tx *sql.Tx, ticketID string, to domain.TicketStatus) error {
	t, err := e.Repo.GetTicketTx(ctx, tx, ticketID)
	if err != nil {
		return err
	}
	return InvalidTransitionError{
		Entity: "ticket", ID: ticketID,
		From: string(t.Status), To: string(to),
	}
}

// --- reporting ---

// Summary aggregates store-wide counts from one read-only transaction so
// the numbers form a consistent snapshot.
func (e Engine) Summary(ctx context.Context) (domain.Summary, error) {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.Summary{}, err
	}
	defer tx.Rollback()

	var s domain.Summary
	if s.PersonsByRole, err = e.Repo.CountPersonsByRole(ctx, tx); err != nil {
		return domain.Summary{}, err
	}
	if s.MissionsByStatus, err = e.Repo.CountMissionsByStatus(ctx, tx); err != nil {
		return domain.Summary{}, err
	}
	if s.TicketsByStatus, err = e.Repo.CountTicketsByStatus(ctx, tx); err != nil {
		return domain.Summary{}, err
	}
	if s.MeanDecisionSeconds, err = e.Repo.MeanDecisionSeconds(ctx, tx); err != nil {
		return domain.Summary{}, err
	}
	if s.CompletedByPerson, err = e.Repo.CompletedMissionsByAssignee(ctx, tx); err != nil {
		return domain.Summary{}, err
	}
	return s, nil
}
