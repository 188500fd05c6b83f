package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"centuria/internal/domain"
	"centuria/internal/engine"
	"centuria/internal/engine/auth"
	"centuria/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"mission m-1: cannot move from completed to approved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Centuria API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(body))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, body)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Centuria API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPersons(group, cfg.Engine)
	registerMissions(group, cfg.Engine)
	registerTickets(group, cfg.Engine)
	registerSummary(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var unauthorized auth.UnauthorizedError
	if errors.As(err, &unauthorized) {
		details := map[string]any{}
		if unauthorized.Need != "" {
			details["need"] = string(unauthorized.Need)
		}
		return newAPIError(http.StatusForbidden, "unauthorized", err.Error(), details)
	}
	var invalidRole auth.InvalidRoleError
	if errors.As(err, &invalidRole) {
		return newAPIError(http.StatusBadRequest, "invalid_role", err.Error(), map[string]any{"role": invalidRole.Role})
	}
	var transition engine.InvalidTransitionError
	if errors.As(err, &transition) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from": transition.From,
			"to":   transition.To,
		})
	}
	var notAssigned engine.NotAssignedError
	if errors.As(err, &notAssigned) {
		return newAPIError(http.StatusConflict, "not_assigned", err.Error(), map[string]any{"mission_id": notAssigned.MissionID})
	}
	var locked engine.LockedAssignmentError
	if errors.As(err, &locked) {
		return newAPIError(http.StatusConflict, "locked_assignment", err.Error(), map[string]any{"mission_id": locked.MissionID})
	}
	if errors.Is(err, engine.ErrEmptyBody) {
		return newAPIError(http.StatusBadRequest, "empty_body", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrAlreadyExists) {
		return newAPIError(http.StatusConflict, "already_exists", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "exceeds") || strings.Contains(lowered, "invalid") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerPersons(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-person",
		Method:        http.MethodPost,
		Path:          "/persons",
		Summary:       "Register person",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterPersonRequest `json:"body"`
	}) (*struct {
		Body domain.Person `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		callerID, authErr := personIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Register(ctx, callerID, input.Body.ID, input.Body.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Person `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-persons",
		Method:      http.MethodGet,
		Path:        "/persons",
		Summary:     "List persons",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Role string `query:"role" enum:"administrator,centurion,decurion,private,"`
	}) (*struct {
		Body []domain.Person `json:"body"`
	}, error) {
		items, err := e.ListPersons(ctx, domain.Role(input.Role))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Person{}
		}
		return &struct {
			Body []domain.Person `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-person",
		Method:      http.MethodGet,
		Path:        "/persons/{id}",
		Summary:     "Get person",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Person `json:"body"`
	}, error) {
		p, err := e.GetPerson(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Person `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-person-role",
		Method:      http.MethodPatch,
		Path:        "/persons/{id}/role",
		Summary:     "Promote or demote person",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body SetRoleRequest `json:"body"`
	}) (*struct {
		Body domain.Person `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		callerID, authErr := personIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Promote(ctx, callerID, input.ID, input.Body.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Person `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-person-callsign",
		Method:      http.MethodPatch,
		Path:        "/persons/{id}/callsign",
		Summary:     "Set callsign",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body SetCallsignRequest `json:"body"`
	}) (*struct {
		Body domain.Person `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		callerID, authErr := personIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SetCallsign(ctx, callerID, input.ID, input.Body.Callsign)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Person `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-ready",
		Method:      http.MethodPatch,
		Path:        "/persons/me/ready",
		Summary:     "Set own readiness",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body SetReadyRequest `json:"body"`
	}) (*struct {
		Body domain.Person `json:"body"`
	}, error) {
		callerID, authErr := personIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SetReady(ctx, callerID, input.Body.Ready)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Person `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-person",
		Method:      http.MethodDelete,
		Path:        "/persons/{id}",
		Summary:     "Remove person",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		callerID, authErr := personIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemovePerson(ctx, callerID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// missionAction wires the argument-free transition endpoints.
func missionAction(api huma.API, opID, pathSuffix, summary string, fn func(ctx context.Context, callerID, missionID string) (domain.Mission, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/missions/{id}/" + pathSuffix,
		Summary:     summary,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		callerID, authErr := personIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := fn(ctx, callerID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Create mission",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		callerID, authErr := personIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.MissionCreateOptions{
			Title:    input.Body.Title,
			CallerID: callerID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.AssigneeID != nil {
			opts.AssigneeID = *input.Body.AssigneeID
		}
		m, err := e.CreateMission(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"draft,pending_approval,approved,in_progress,completed,rejected,cancelled,"`
		CreatorID  string `query:"creator_id"`
		AssigneeID string `query:"assignee_id"`
	}) (*struct {
		Body []domain.Mission `json:"body"`
	}, error) {
		items, err := e.ListMissions(ctx, repo.MissionFilter{
			Status:     domain.MissionStatus(input.Status),
			CreatorID:  input.CreatorID,
			AssigneeID: input.AssigneeID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Mission{}
		}
		return &struct {
			Body []domain.Mission `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		m, err := e.GetMission(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	missionAction(api, "submit-mission", "submit", "Submit mission for approval", e.SubmitMission)
	missionAction(api, "approve-mission", "approve", "Approve mission", e.ApproveMission)
	missionAction(api, "reject-mission", "reject", "Reject mission", e.RejectMission)
	missionAction(api, "start-mission", "start", "Start mission", e.StartMission)
	missionAction(api, "complete-mission", "complete", "Complete mission", e.CompleteMission)
	missionAction(api, "cancel-mission", "cancel", "Cancel mission", e.CancelMission)

	huma.Register(api, huma.Operation{
		OperationID: "assign-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/assign",
		Summary:     "Assign mission",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body AssignMissionRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		callerID, authErr := personIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.PersonID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "person_id is required", nil)
		}
		m, err := e.AssignMission(ctx, callerID, input.ID, input.Body.PersonID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})
}

func registerTickets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-ticket",
		Method:        http.MethodPost,
		Path:          "/tickets",
		Summary:       "Submit ticket",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitTicketRequest `json:"body"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		callerID, authErr := personIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.SubmitTicket(ctx, callerID, input.Body.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tickets",
		Method:      http.MethodGet,
		Path:        "/tickets",
		Summary:     "List tickets",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status" enum:"open,in_progress,resolved,rejected,"`
		SubmitterID string `query:"submitter_id"`
	}) (*struct {
		Body []domain.Ticket `json:"body"`
	}, error) {
		items, err := e.ListTickets(ctx, repo.TicketFilter{
			Status:      domain.TicketStatus(input.Status),
			SubmitterID: input.SubmitterID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Ticket{}
		}
		return &struct {
			Body []domain.Ticket `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ticket",
		Method:      http.MethodGet,
		Path:        "/tickets/{id}",
		Summary:     "Get ticket",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		t, err := e.GetTicket(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/{id}/claim",
		Summary:     "Claim ticket",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		callerID, authErr := personIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ClaimTicket(ctx, callerID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})

	closeAction := func(opID, suffix, summary string, fn func(ctx context.Context, callerID, ticketID, note string) (domain.Ticket, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/tickets/{id}/" + suffix,
			Summary:     summary,
			Errors: []int{
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
			},
		}, func(ctx context.Context, input *struct {
			ID   string             `path:"id"`
			Body CloseTicketRequest `json:"body"`
		}) (*struct {
			Body domain.Ticket `json:"body"`
		}, error) {
			callerID, authErr := personIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			t, err := fn(ctx, callerID, input.ID, input.Body.Note)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Ticket `json:"body"`
			}{Body: t}, nil
		})
	}
	closeAction("resolve-ticket", "resolve", "Resolve ticket", e.ResolveTicket)
	closeAction("reject-ticket", "reject", "Reject ticket", e.RejectTicket)

	huma.Register(api, huma.Operation{
		OperationID:   "reply-ticket",
		Method:        http.MethodPost,
		Path:          "/tickets/{id}/replies",
		Summary:       "Reply on ticket thread",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body ReplyTicketRequest `json:"body"`
	}) (*struct {
		Body domain.TicketMessage `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		callerID, authErr := personIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		msg, err := e.ReplyTicket(ctx, callerID, input.ID, input.Body.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TicketMessage `json:"body"`
		}{Body: msg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ticket-thread",
		Method:      http.MethodGet,
		Path:        "/tickets/{id}/replies",
		Summary:     "Ticket thread",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.TicketMessage `json:"body"`
	}, error) {
		msgs, err := e.TicketHistory(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if msgs == nil {
			msgs = []domain.TicketMessage{}
		}
		return &struct {
			Body []domain.TicketMessage `json:"body"`
		}{Body: msgs}, nil
	})
}

func registerSummary(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "summary",
		Method:      http.MethodGet,
		Path:        "/summary",
		Summary:     "Store-wide summary",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Summary `json:"body"`
	}, error) {
		s, err := e.Summary(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Summary `json:"body"`
		}{Body: s}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Centuria API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
