package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"centuria/internal/config"
	"centuria/internal/db"
	"centuria/internal/domain"
	"centuria/internal/engine"
	"centuria/internal/migrate"
	"centuria/internal/repo"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:               testJWTSecret,
			AllowLegacyPersonHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func seedPersonHTTP(t *testing.T, e engine.Engine, id string, role domain.Role) {
	t.Helper()
	ctx := context.Background()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	now := time.Now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpsertPersonTx(ctx, tx, domain.Person{ID: id, Role: role, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func asPerson(id string) map[string]string {
	return map[string]string{"X-Person-Id": id}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestMissionLifecycleHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedPersonHTTP(t, srv.Engine, "dec-1", domain.RoleDecurion)
	seedPersonHTTP(t, srv.Engine, "cen-1", domain.RoleCenturion)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions", map[string]any{
		"title": "Inventory the armory",
	}, asPerson("dec-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var m domain.Mission
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal mission: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/submit", nil, asPerson("dec-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}

	// the creator lacks Centurion rank
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/approve", nil, asPerson("dec-1"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "unauthorized" {
		t.Fatalf("self approve status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/approve", nil, asPerson("cen-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/assign", map[string]any{
		"person_id": "dec-1",
	}, asPerson("cen-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/start", nil, asPerson("dec-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/complete", nil, asPerson("dec-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var done domain.Mission
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if done.Status != domain.MissionCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}

	// every transition after a terminal state conflicts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/cancel", nil, asPerson("cen-1"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("cancel completed status %d: %s", res.StatusCode, string(data))
	}
}

func TestErrorEnvelopes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedPersonHTTP(t, srv.Engine, "pvt-1", domain.RolePrivate)
	seedPersonHTTP(t, srv.Engine, "dec-1", domain.RoleDecurion)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/missions/no-such-id", nil, asPerson("dec-1"))
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("missing mission status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets", map[string]any{
		"body": "   ",
	}, asPerson("pvt-1"))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "empty_body" {
		t.Fatalf("empty body status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets", map[string]any{
		"body": "first",
	}, asPerson("pvt-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets", map[string]any{
		"body": "second while first still open",
	}, asPerson("pvt-1"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "already_exists" {
		t.Fatalf("duplicate ticket status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/persons/pvt-1/role", map[string]any{
		"role": "tribune",
	}, asPerson("dec-1"))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "invalid_role" {
		t.Fatalf("invalid role status %d: %s", res.StatusCode, string(data))
	}
}

func TestTicketFlowHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedPersonHTTP(t, srv.Engine, "pvt-1", domain.RolePrivate)
	seedPersonHTTP(t, srv.Engine, "dec-1", domain.RoleDecurion)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets", map[string]any{
		"body": "broken boots",
	}, asPerson("pvt-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var tk domain.Ticket
	if err := json.Unmarshal(data, &tk); err != nil {
		t.Fatalf("unmarshal ticket: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets/"+tk.ID+"/claim", nil, asPerson("dec-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets/"+tk.ID+"/replies", map[string]any{
		"body": "size?",
	}, asPerson("dec-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("reply status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets/"+tk.ID+"/resolve", map[string]any{
		"note": "replacement issued",
	}, asPerson("dec-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets/"+tk.ID+"/resolve", map[string]any{
		"note": "again",
	}, asPerson("dec-1"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("double resolve status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tickets/"+tk.ID+"/replies", nil, asPerson("pvt-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("thread status %d: %s", res.StatusCode, string(data))
	}
	var msgs []domain.TicketMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		t.Fatalf("unmarshal thread: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedPersonHTTP(t, srv.Engine, "pvt-1", domain.RolePrivate)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/summary", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d: %s", res.StatusCode, string(data))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "pvt-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/persons/me/ready", map[string]any{
		"ready": true,
	}, map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt status %d: %s", res.StatusCode, string(data))
	}
	var p domain.Person
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal person: %v", err)
	}
	if !p.Ready {
		t.Fatalf("expected ready")
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedPersonHTTP(t, srv.Engine, "dec-1", domain.RoleDecurion)

	ctx := context.Background()
	key := "k-123456"
	now := time.Now().UTC().Format(time.RFC3339)
	if err := srv.Engine.Repo.InsertAPIKey(ctx, nil, domain.APIKey{
		ID:        "ak-1",
		PersonID:  "dec-1",
		Name:      "test",
		KeyHash:   repo.HashAPIKey(key),
		CreatedAt: now,
	}); err != nil {
		t.Fatalf("insert key: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/persons/dec-1", nil, map[string]string{"X-Api-Key": key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/persons/dec-1", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad key status %d: %s", res.StatusCode, string(data))
	}
}
