package server

import "centuria/internal/domain"

// Role fields carry no schema enum: unknown roles must reach the engine
// so the response carries the invalid_role code.
type RegisterPersonRequest struct {
	ID   string      `json:"id" example:"pvt-1034"`
	Role domain.Role `json:"role" example:"private"`
}

type SetRoleRequest struct {
	Role domain.Role `json:"role" example:"decurion"`
}

type SetCallsignRequest struct {
	Callsign string `json:"callsign" example:"Raven"`
}

type SetReadyRequest struct {
	Ready bool `json:"ready"`
}

type CreateMissionRequest struct {
	ID          *string `json:"id,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
}

type AssignMissionRequest struct {
	PersonID string `json:"person_id"`
}

type SubmitTicketRequest struct {
	Body string `json:"body"`
}

type CloseTicketRequest struct {
	Note string `json:"note,omitempty"`
}

type ReplyTicketRequest struct {
	Body string `json:"body"`
}
