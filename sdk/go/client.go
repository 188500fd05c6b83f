package centuriasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Centuria HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Person represents the API person model.
type Person struct {
	ID       string  `json:"id"`
	Role     string  `json:"role"`
	Callsign *string `json:"callsign,omitempty"`
	Ready    bool    `json:"ready"`
}

// Mission represents the API mission model (partial).
type Mission struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Status     string  `json:"status"`
	CreatorID  string  `json:"creator_id"`
	AssigneeID *string `json:"assignee_id,omitempty"`
}

// Ticket represents the API ticket model (partial).
type Ticket struct {
	ID          string  `json:"id"`
	SubmitterID string  `json:"submitter_id"`
	Status      string  `json:"status"`
	HandlerID   *string `json:"handler_id,omitempty"`
	Body        string  `json:"body"`
	Resolution  *string `json:"resolution,omitempty"`
}

// TicketMessage represents one entry in a ticket thread.
type TicketMessage struct {
	ID        int64  `json:"id"`
	TicketID  string `json:"ticket_id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Summary mirrors the reporting snapshot.
type Summary struct {
	PersonsByRole       map[string]int `json:"persons_by_role"`
	MissionsByStatus    map[string]int `json:"missions_by_status"`
	TicketsByStatus     map[string]int `json:"tickets_by_status"`
	MeanDecisionSeconds float64        `json:"mean_decision_seconds"`
	CompletedByPerson   map[string]int `json:"completed_by_person"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// RegisterPerson registers or updates a person.
func (c *Client) RegisterPerson(ctx context.Context, id, role string) (Person, error) {
	body := map[string]any{"id": id, "role": role}
	var resp Person
	err := c.do(ctx, http.MethodPost, "v0/persons", body, &resp)
	return resp, err
}

// GetPerson fetches a person by id.
func (c *Client) GetPerson(ctx context.Context, id string) (Person, error) {
	var resp Person
	err := c.do(ctx, http.MethodGet, "v0/persons/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SetReady flips the caller's readiness flag.
func (c *Client) SetReady(ctx context.Context, ready bool) (Person, error) {
	var resp Person
	err := c.do(ctx, http.MethodPatch, "v0/persons/me/ready", map[string]any{"ready": ready}, &resp)
	return resp, err
}

// CreateMission creates a draft mission.
func (c *Client) CreateMission(ctx context.Context, title, description, assigneeID string) (Mission, error) {
	body := map[string]any{"title": title}
	if description != "" {
		body["description"] = description
	}
	if assigneeID != "" {
		body["assignee_id"] = assigneeID
	}
	var resp Mission
	err := c.do(ctx, http.MethodPost, "v0/missions", body, &resp)
	return resp, err
}

// GetMission fetches a mission by id.
func (c *Client) GetMission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, "v0/missions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// MissionAction runs a lifecycle action: submit, approve, reject, start, complete, cancel.
func (c *Client) MissionAction(ctx context.Context, id, action string) (Mission, error) {
	var resp Mission
	endpoint := fmt.Sprintf("v0/missions/%s/%s", url.PathEscape(id), url.PathEscape(action))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// AssignMission sets the mission assignee.
func (c *Client) AssignMission(ctx context.Context, id, personID string) (Mission, error) {
	var resp Mission
	endpoint := fmt.Sprintf("v0/missions/%s/assign", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"person_id": personID}, &resp)
	return resp, err
}

// SubmitTicket opens a ticket for the caller.
func (c *Client) SubmitTicket(ctx context.Context, body string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPost, "v0/tickets", map[string]any{"body": body}, &resp)
	return resp, err
}

// ClaimTicket takes ownership of an open ticket.
func (c *Client) ClaimTicket(ctx context.Context, id string) (Ticket, error) {
	var resp Ticket
	endpoint := fmt.Sprintf("v0/tickets/%s/claim", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CloseTicket resolves or rejects a ticket. Action is "resolve" or "reject".
func (c *Client) CloseTicket(ctx context.Context, id, action, note string) (Ticket, error) {
	var resp Ticket
	endpoint := fmt.Sprintf("v0/tickets/%s/%s", url.PathEscape(id), url.PathEscape(action))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"note": note}, &resp)
	return resp, err
}

// ReplyTicket appends a message to the ticket thread.
func (c *Client) ReplyTicket(ctx context.Context, id, body string) (TicketMessage, error) {
	var resp TicketMessage
	endpoint := fmt.Sprintf("v0/tickets/%s/replies", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"body": body}, &resp)
	return resp, err
}

// TicketThread returns the message history of a ticket.
func (c *Client) TicketThread(ctx context.Context, id string) ([]TicketMessage, error) {
	var resp []TicketMessage
	endpoint := fmt.Sprintf("v0/tickets/%s/replies", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetSummary returns the reporting snapshot.
func (c *Client) GetSummary(ctx context.Context) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodGet, "v0/summary", nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
