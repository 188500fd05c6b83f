package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"centuria/internal/config"
	"centuria/internal/db"
	"centuria/internal/domain"
	"centuria/internal/engine"
	"centuria/internal/engine/auth"
	"centuria/internal/migrate"
	"centuria/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func seedPerson(t *testing.T, env testEnv, id string, role domain.Role) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)
	if err := env.Engine.Repo.UpsertPersonTx(env.Ctx, tx, domain.Person{
		ID: id, Role: role, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestMissionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	seedPerson(t, env, "dec-1", domain.RoleDecurion)
	seedPerson(t, env, "cen-1", domain.RoleCenturion)

	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		CallerID: "dec-1",
		Title:    "Patrol the east gate",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Status != domain.MissionDraft {
		t.Fatalf("expected draft, got %s", m.Status)
	}
	m, err = env.Engine.SubmitMission(env.Ctx, "dec-1", m.ID)
	if err != nil || m.Status != domain.MissionPendingApproval {
		t.Fatalf("submit: %v (status %s)", err, m.Status)
	}
	// creator lacks Centurion rank
	_, err = env.Engine.ApproveMission(env.Ctx, "dec-1", m.ID)
	var authErr auth.UnauthorizedError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	m, err = env.Engine.ApproveMission(env.Ctx, "cen-1", m.ID)
	if err != nil || m.Status != domain.MissionApproved {
		t.Fatalf("approve: %v (status %s)", err, m.Status)
	}
	if m.DecidedBy == nil || *m.DecidedBy != "cen-1" {
		t.Fatalf("expected decided_by cen-1, got %v", m.DecidedBy)
	}
	m, err = env.Engine.AssignMission(env.Ctx, "cen-1", m.ID, "dec-1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	// only the assignee can start
	_, err = env.Engine.StartMission(env.Ctx, "cen-1", m.ID)
	var naErr engine.NotAssignedError
	if !errors.As(err, &naErr) {
		t.Fatalf("expected not-assigned, got %v", err)
	}
	m, err = env.Engine.StartMission(env.Ctx, "dec-1", m.ID)
	if err != nil || m.Status != domain.MissionInProgress {
		t.Fatalf("start: %v (status %s)", err, m.Status)
	}
	m, err = env.Engine.CompleteMission(env.Ctx, "dec-1", m.ID)
	if err != nil || m.Status != domain.MissionCompleted {
		t.Fatalf("complete: %v (status %s)", err, m.Status)
	}
}

func TestMissionInvalidTransitions(t *testing.T) {
	env := newTestEnv(t)
	seedPerson(t, env, "dec-1", domain.RoleDecurion)
	seedPerson(t, env, "cen-1", domain.RoleCenturion)

	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{CallerID: "dec-1", Title: "draft only"})
	if err != nil {
		t.Fatal(err)
	}
	var trErr engine.InvalidTransitionError
	// approve straight from draft
	if _, err = env.Engine.ApproveMission(env.Ctx, "cen-1", m.ID); !errors.As(err, &trErr) {
		t.Fatalf("approve from draft: %v", err)
	}
	// complete from draft
	if _, err = env.Engine.CompleteMission(env.Ctx, "dec-1", m.ID); !errors.As(err, &trErr) {
		t.Fatalf("complete from draft: %v", err)
	}
	// cancel from draft
	if _, err = env.Engine.CancelMission(env.Ctx, "cen-1", m.ID); !errors.As(err, &trErr) {
		t.Fatalf("cancel from draft: %v", err)
	}
	if trErr.From != string(domain.MissionDraft) {
		t.Fatalf("expected current state in error, got %s", trErr.From)
	}

	// run the mission to completion, then every further transition fails
	_, _ = env.Engine.SubmitMission(env.Ctx, "dec-1", m.ID)
	_, _ = env.Engine.ApproveMission(env.Ctx, "cen-1", m.ID)
	_, _ = env.Engine.AssignMission(env.Ctx, "cen-1", m.ID, "dec-1")
	_, _ = env.Engine.StartMission(env.Ctx, "dec-1", m.ID)
	if _, err = env.Engine.CompleteMission(env.Ctx, "dec-1", m.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err = env.Engine.SubmitMission(env.Ctx, "dec-1", m.ID); !errors.As(err, &trErr) {
		t.Fatalf("submit completed: %v", err)
	}
	if _, err = env.Engine.CancelMission(env.Ctx, "cen-1", m.ID); !errors.As(err, &trErr) {
		t.Fatalf("cancel completed: %v", err)
	}
}

func TestNoSelfApproval(t *testing.T) {
	env := newTestEnv(t)
	seedPerson(t, env, "cen-1", domain.RoleCenturion)
	seedPerson(t, env, "cen-2", domain.RoleCenturion)

	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{CallerID: "cen-1", Title: "own mission"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.SubmitMission(env.Ctx, "cen-1", m.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = env.Engine.ApproveMission(env.Ctx, "cen-1", m.ID)
	var authErr auth.UnauthorizedError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected unauthorized on self-approval, got %v", err)
	}
	// the gate covers both decisions
	if _, err = env.Engine.RejectMission(env.Ctx, "cen-1", m.ID); !errors.As(err, &authErr) {
		t.Fatalf("expected unauthorized on self-rejection, got %v", err)
	}
	got, err := env.Engine.GetMission(env.Ctx, m.ID)
	if err != nil || got.Status != domain.MissionPendingApproval {
		t.Fatalf("state changed after refused approval: %v %s", err, got.Status)
	}
	if _, err = env.Engine.ApproveMission(env.Ctx, "cen-2", m.ID); err != nil {
		t.Fatalf("peer approve: %v", err)
	}
}

func TestRankEscalationImpossible(t *testing.T) {
	env := newTestEnv(t)
	seedPerson(t, env, "cen-1", domain.RoleCenturion)
	seedPerson(t, env, "pvt-1", domain.RolePrivate)

	var authErr auth.UnauthorizedError
	// cannot grant own rank or above
	if _, err := env.Engine.Promote(env.Ctx, "cen-1", "pvt-1", domain.RoleCenturion); !errors.As(err, &authErr) {
		t.Fatalf("promote to own rank: %v", err)
	}
	if _, err := env.Engine.Promote(env.Ctx, "cen-1", "pvt-1", domain.RoleAdministrator); !errors.As(err, &authErr) {
		t.Fatalf("promote above own rank: %v", err)
	}
	p, err := env.Engine.Promote(env.Ctx, "cen-1", "pvt-1", domain.RoleDecurion)
	if err != nil || p.Role != domain.RoleDecurion {
		t.Fatalf("promote below own rank: %v", err)
	}
	// a decurion cannot mint another decurion
	if _, err := env.Engine.Promote(env.Ctx, "pvt-1", "cen-1", domain.RoleDecurion); !errors.As(err, &authErr) {
		t.Fatalf("decurion promoting: %v", err)
	}
	var roleErr auth.InvalidRoleError
	if _, err := env.Engine.Promote(env.Ctx, "cen-1", "pvt-1", "tribune"); !errors.As(err, &roleErr) {
		t.Fatalf("unknown role: %v", err)
	}
}

func TestSelfRegistration(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.Register(env.Ctx, "new-1", "new-1", domain.RolePrivate)
	if err != nil || p.Role != domain.RolePrivate {
		t.Fatalf("self-register: %v", err)
	}
	// self-registration never grants rank
	var authErr auth.UnauthorizedError
	if _, err := env.Engine.Register(env.Ctx, "new-2", "new-2", domain.RoleCenturion); !errors.As(err, &authErr) {
		t.Fatalf("self-register as centurion: %v", err)
	}
	if _, err := env.Engine.GetPerson(env.Ctx, "new-2"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("refused registration persisted: %v", err)
	}
}

func TestCallsignRules(t *testing.T) {
	env := newTestEnv(t)
	seedPerson(t, env, "dec-1", domain.RoleDecurion)
	seedPerson(t, env, "pvt-1", domain.RolePrivate)

	var authErr auth.UnauthorizedError
	if _, err := env.Engine.SetCallsign(env.Ctx, "pvt-1", "pvt-1", "Raven"); !errors.As(err, &authErr) {
		t.Fatalf("private setting callsign: %v", err)
	}
	p, err := env.Engine.SetCallsign(env.Ctx, "dec-1", "pvt-1", "Raven")
	if err != nil || p.Callsign == nil || *p.Callsign != "Raven" {
		t.Fatalf("set callsign: %v", err)
	}
	if _, err := env.Engine.SetCallsign(env.Ctx, "dec-1", "nobody", "Ghost"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown person: %v", err)
	}
	if _, err := env.Engine.SetCallsign(env.Ctx, "dec-1", "pvt-1", "a-callsign-far-beyond-twenty-runes"); err == nil {
		t.Fatalf("expected length rejection")
	}
}

func TestAssignmentLock(t *testing.T) {
	env := newTestEnv(t)
	seedPerson(t, env, "dec-1", domain.RoleDecurion)
	seedPerson(t, env, "dec-2", domain.RoleDecurion)
	seedPerson(t, env, "cen-1", domain.RoleCenturion)

	m, _ := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{CallerID: "dec-1", Title: "locked"})
	_, _ = env.Engine.SubmitMission(env.Ctx, "dec-1", m.ID)
	_, _ = env.Engine.ApproveMission(env.Ctx, "cen-1", m.ID)
	if _, err := env.Engine.AssignMission(env.Ctx, "cen-1", m.ID, "dec-1"); err != nil {
		t.Fatalf("assign while approved: %v", err)
	}
	if _, err := env.Engine.StartMission(env.Ctx, "dec-1", m.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := env.Engine.AssignMission(env.Ctx, "cen-1", m.ID, "dec-2")
	var lockErr engine.LockedAssignmentError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected locked assignment, got %v", err)
	}
	got, _ := env.Engine.GetMission(env.Ctx, m.ID)
	if got.AssigneeID == nil || *got.AssigneeID != "dec-1" {
		t.Fatalf("assignee changed despite lock")
	}
}

func TestTicketFlow(t *testing.T) {
	env := newTestEnv(t)
	seedPerson(t, env, "pvt-1", domain.RolePrivate)
	seedPerson(t, env, "dec-1", domain.RoleDecurion)

	if _, err := env.Engine.SubmitTicket(env.Ctx, "pvt-1", "   "); !errors.Is(err, engine.ErrEmptyBody) {
		t.Fatalf("empty body: %v", err)
	}
	tk, err := env.Engine.SubmitTicket(env.Ctx, "pvt-1", "radio is dead")
	if err != nil || tk.Status != domain.TicketOpen {
		t.Fatalf("submit: %v", err)
	}
	// one active ticket per submitter
	if _, err := env.Engine.SubmitTicket(env.Ctx, "pvt-1", "another one"); !errors.Is(err, engine.ErrAlreadyExists) {
		t.Fatalf("second active ticket: %v", err)
	}
	// privates cannot claim
	var authErr auth.UnauthorizedError
	if _, err := env.Engine.ClaimTicket(env.Ctx, "pvt-1", tk.ID); !errors.As(err, &authErr) {
		t.Fatalf("private claiming: %v", err)
	}
	tk, err = env.Engine.ClaimTicket(env.Ctx, "dec-1", tk.ID)
	if err != nil || tk.Status != domain.TicketInProgress {
		t.Fatalf("claim: %v", err)
	}
	if tk.HandlerID == nil || *tk.HandlerID != "dec-1" {
		t.Fatalf("handler not recorded")
	}
	tk, err = env.Engine.ResolveTicket(env.Ctx, "dec-1", tk.ID, "swapped battery")
	if err != nil || tk.Status != domain.TicketResolved {
		t.Fatalf("resolve: %v", err)
	}
	// resolving an already resolved ticket fails, state unchanged
	_, err = env.Engine.ResolveTicket(env.Ctx, "dec-1", tk.ID, "again")
	var trErr engine.InvalidTransitionError
	if !errors.As(err, &trErr) {
		t.Fatalf("double resolve: %v", err)
	}
	got, _ := env.Engine.GetTicket(env.Ctx, tk.ID)
	if got.Status != domain.TicketResolved || got.Resolution == nil || *got.Resolution != "swapped battery" {
		t.Fatalf("resolved ticket mutated: %+v", got)
	}
	// the submitter may open a new ticket once the old one closed
	tk2, err := env.Engine.SubmitTicket(env.Ctx, "pvt-1", "lost my badge")
	if err != nil {
		t.Fatalf("new ticket: %v", err)
	}
	// reject straight from open
	if _, err := env.Engine.RejectTicket(env.Ctx, "dec-1", tk2.ID, "not a support matter"); err == nil {
		t.Fatalf("expected unauthorized: dec-1 is not the handler")
	}
	seedPerson(t, env, "cen-1", domain.RoleCenturion)
	tk2, err = env.Engine.RejectTicket(env.Ctx, "cen-1", tk2.ID, "not a support matter")
	if err != nil || tk2.Status != domain.TicketRejected {
		t.Fatalf("reject from open: %v", err)
	}
}

func TestTicketThread(t *testing.T) {
	env := newTestEnv(t)
	seedPerson(t, env, "pvt-1", domain.RolePrivate)
	seedPerson(t, env, "pvt-2", domain.RolePrivate)
	seedPerson(t, env, "dec-1", domain.RoleDecurion)

	tk, err := env.Engine.SubmitTicket(env.Ctx, "pvt-1", "gate pass expired")
	if err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.ClaimTicket(env.Ctx, "dec-1", tk.ID); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.ReplyTicket(env.Ctx, "dec-1", tk.ID, "which gate?"); err != nil {
		t.Fatalf("handler reply: %v", err)
	}
	if _, err = env.Engine.ReplyTicket(env.Ctx, "pvt-1", tk.ID, "north gate"); err != nil {
		t.Fatalf("submitter reply: %v", err)
	}
	// unrelated privates stay out of the thread
	var authErr auth.UnauthorizedError
	if _, err = env.Engine.ReplyTicket(env.Ctx, "pvt-2", tk.ID, "me too"); !errors.As(err, &authErr) {
		t.Fatalf("outsider reply: %v", err)
	}
	msgs, err := env.Engine.TicketHistory(env.Ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if _, err = env.Engine.ResolveTicket(env.Ctx, "dec-1", tk.ID, "renewed"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.ReplyTicket(env.Ctx, "pvt-1", tk.ID, "thanks"); err == nil {
		t.Fatalf("expected reply to closed ticket to fail")
	}
}

func TestConcurrentClaimExactlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Now = time.Now
	seedPerson(t, env, "pvt-1", domain.RolePrivate)
	seedPerson(t, env, "dec-1", domain.RoleDecurion)
	seedPerson(t, env, "dec-2", domain.RoleDecurion)

	tk, err := env.Engine.SubmitTicket(env.Ctx, "pvt-1", "contested ticket")
	if err != nil {
		t.Fatal(err)
	}
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, claimer := range []string{"dec-1", "dec-2"} {
		wg.Add(1)
		go func(i int, claimer string) {
			defer wg.Done()
			_, errs[i] = env.Engine.ClaimTicket(env.Ctx, claimer, tk.ID)
		}(i, claimer)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var trErr engine.InvalidTransitionError
		if !errors.As(err, &trErr) {
			t.Fatalf("loser got unexpected error: %v", err)
		}
		if trErr.From != string(domain.TicketInProgress) {
			t.Fatalf("loser should observe post-claim state, saw %s", trErr.From)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	got, _ := env.Engine.GetTicket(env.Ctx, tk.ID)
	if got.HandlerID == nil {
		t.Fatalf("no handler recorded")
	}
}

func TestSummarySnapshot(t *testing.T) {
	env := newTestEnv(t)
	seedPerson(t, env, "dec-1", domain.RoleDecurion)
	seedPerson(t, env, "cen-1", domain.RoleCenturion)
	seedPerson(t, env, "pvt-1", domain.RolePrivate)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	env.Engine.Now = func() time.Time { return clock }

	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{CallerID: "dec-1", Title: "count me"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.SubmitMission(env.Ctx, "dec-1", m.ID); err != nil {
		t.Fatal(err)
	}
	clock = base.Add(90 * time.Second)
	if _, err = env.Engine.ApproveMission(env.Ctx, "cen-1", m.ID); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.AssignMission(env.Ctx, "cen-1", m.ID, "dec-1"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.StartMission(env.Ctx, "dec-1", m.ID); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.CompleteMission(env.Ctx, "dec-1", m.ID); err != nil {
		t.Fatal(err)
	}

	s, err := env.Engine.Summary(env.Ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if s.PersonsByRole[domain.RolePrivate] != 1 || s.PersonsByRole[domain.RoleCenturion] != 1 {
		t.Fatalf("persons by role: %+v", s.PersonsByRole)
	}
	if s.MissionsByStatus[domain.MissionCompleted] != 1 {
		t.Fatalf("missions by status: %+v", s.MissionsByStatus)
	}
	if s.TicketsByStatus[domain.TicketOpen] != 0 {
		t.Fatalf("tickets by status: %+v", s.TicketsByStatus)
	}
	if s.MeanDecisionSeconds < 89 || s.MeanDecisionSeconds > 91 {
		t.Fatalf("mean decision seconds: %f", s.MeanDecisionSeconds)
	}
	if s.CompletedByPerson["dec-1"] != 1 {
		t.Fatalf("completed by person: %+v", s.CompletedByPerson)
	}
}

func TestFailedOperationLeavesNoEvents(t *testing.T) {
	env := newTestEnv(t)
	seedPerson(t, env, "dec-1", domain.RoleDecurion)
	seedPerson(t, env, "cen-1", domain.RoleCenturion)

	m, _ := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{CallerID: "dec-1", Title: "evented"})
	_, _ = env.Engine.ApproveMission(env.Ctx, "cen-1", m.ID) // refused: still draft

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "", "mission", m.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 || evts[0].Type != "mission.created" {
		t.Fatalf("expected only the creation event, got %+v", evts)
	}
}
