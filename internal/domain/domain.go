package domain

// Role is the rank a person holds. Ranks are totally ordered:
// Administrator > Centurion > Decurion > Private.
type Role string

const (
	RoleAdministrator Role = "administrator"
	RoleCenturion     Role = "centurion"
	RoleDecurion      Role = "decurion"
	RolePrivate       Role = "private"
)

// AllRoles lists every valid role, highest rank first.
var AllRoles = []Role{RoleAdministrator, RoleCenturion, RoleDecurion, RolePrivate}

// Valid reports whether r is one of the enumerated roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdministrator, RoleCenturion, RoleDecurion, RolePrivate:
		return true
	}
	return false
}

// MissionStatus enumerates the mission lifecycle.
type MissionStatus string

const (
	MissionDraft           MissionStatus = "draft"
	MissionPendingApproval MissionStatus = "pending_approval"
	MissionApproved        MissionStatus = "approved"
	MissionInProgress      MissionStatus = "in_progress"
	MissionCompleted       MissionStatus = "completed"
	MissionRejected        MissionStatus = "rejected"
	MissionCancelled       MissionStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s MissionStatus) Terminal() bool {
	switch s {
	case MissionCompleted, MissionRejected, MissionCancelled:
		return true
	}
	return false
}

// TicketStatus enumerates the ticket lifecycle.
type TicketStatus string

const (
	TicketOpen       TicketStatus = "open"
	TicketInProgress TicketStatus = "in_progress"
	TicketResolved   TicketStatus = "resolved"
	TicketRejected   TicketStatus = "rejected"
)

// Terminal reports whether the ticket is closed.
func (s TicketStatus) Terminal() bool {
	return s == TicketResolved || s == TicketRejected
}

type Person struct {
	ID        string  `json:"id"`
	Role      Role    `json:"role" enum:"administrator,centurion,decurion,private"`
	Callsign  *string `json:"callsign,omitempty"`
	Ready     bool    `json:"ready"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

type Mission struct {
	ID          string        `json:"id"`
	CreatorID   string        `json:"creator_id"`
	AssigneeID  *string       `json:"assignee_id,omitempty"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Status      MissionStatus `json:"status" enum:"draft,pending_approval,approved,in_progress,completed,rejected,cancelled"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
	UpdatedAt   string        `json:"updated_at" format:"date-time"`
	SubmittedAt *string       `json:"submitted_at,omitempty" format:"date-time"`
	DecidedAt   *string       `json:"decided_at,omitempty" format:"date-time"`
	DecidedBy   *string       `json:"decided_by,omitempty"`
}

type Ticket struct {
	ID          string       `json:"id"`
	SubmitterID string       `json:"submitter_id"`
	Body        string       `json:"body"`
	Status      TicketStatus `json:"status" enum:"open,in_progress,resolved,rejected"`
	HandlerID   *string      `json:"handler_id,omitempty"`
	Resolution  *string      `json:"resolution,omitempty"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
	UpdatedAt   string       `json:"updated_at" format:"date-time"`
	ClosedAt    *string      `json:"closed_at,omitempty" format:"date-time"`
}

// TicketMessage is one entry in a ticket's conversation thread.
type TicketMessage struct {
	ID        int64  `json:"id"`
	TicketID  string `json:"ticket_id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	PersonID  string `json:"person_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Summary is a consistent snapshot of store-wide counts.
type Summary struct {
	PersonsByRole       map[Role]int          `json:"persons_by_role"`
	MissionsByStatus    map[MissionStatus]int `json:"missions_by_status"`
	TicketsByStatus     map[TicketStatus]int  `json:"tickets_by_status"`
	MeanDecisionSeconds float64               `json:"mean_decision_seconds"`
	CompletedByPerson   map[string]int        `json:"completed_by_person,omitempty"`
}
