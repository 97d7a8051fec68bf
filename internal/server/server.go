// Package server exposes the HTTP API: phase views and transitions,
// activity actions, assignment lifecycle, and the SLA sweep trigger.
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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"regcycle/internal/assign"
	"regcycle/internal/domain"
	"regcycle/internal/metrics"
	"regcycle/internal/registry"
	"regcycle/internal/repo"
	"regcycle/internal/sla"
	"regcycle/internal/tracker"
)

// Config for the HTTP API handler.
type Config struct {
	Tracker  *tracker.Tracker
	Assign   *assign.Engine
	Monitor  *sla.Monitor
	Metrics  *metrics.Metrics
	BasePath string
	Auth     AuthConfig
	Now      func() time.Time
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"activity completed -> active"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the regcycle API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Regcycle API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerPhases(group, cfg)
	registerActivities(group, cfg)
	registerAssignments(group, cfg)
	registerSweep(group, cfg)
	registerEvents(group, cfg)
	registerOpenAPI(router, api, basePath)
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}

	return router, nil
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
	switch {
	case errors.Is(err, domain.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, repo.ErrDuplicate):
		return newAPIError(http.StatusConflict, "duplicate", err.Error(), nil)
	case errors.Is(err, domain.ErrDependencyNotSatisfied):
		return newAPIError(http.StatusUnprocessableEntity, "dependency_not_satisfied", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, registry.ErrStaleDefinition):
		return newAPIError(http.StatusNotFound, "unknown_activity", err.Error(), nil)
	case errors.Is(err, assign.ErrApprovalRoleRequired):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unknown phase"), strings.Contains(lowered, "unknown action"):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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

type PhasePath struct {
	CycleID  string `path:"cycle_id"`
	ReportID string `path:"report_id"`
	Phase    string `path:"phase"`
}

func registerPhases(api huma.API, cfg Config) {
	t := cfg.Tracker

	huma.Register(api, huma.Operation{
		OperationID: "get-phase",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/reports/{report_id}/phases/{phase}",
		Summary:     "Phase status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *PhasePath) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		snap, err := t.ComputeSnapshot(ctx, input.CycleID, input.ReportID, input.Phase)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: phaseResponse(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-phases",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/reports/{report_id}/phases",
		Summary:     "All phases of a report",
	}, func(ctx context.Context, input *struct {
		CycleID  string `path:"cycle_id"`
		ReportID string `path:"report_id"`
	}) (*struct {
		Body []PhaseResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		snaps, err := t.CycleOverview(ctx, input.CycleID, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]PhaseResponse, 0, len(snaps))
		for _, s := range snaps {
			out = append(out, phaseResponse(s))
		}
		return &struct {
			Body []PhaseResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "init-phase",
		Method:        http.MethodPost,
		Path:          "/cycles/{cycle_id}/reports/{report_id}/phases/{phase}/init",
		Summary:       "Instantiate phase activities",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *PhasePath) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := t.InitializePhase(ctx, input.CycleID, input.ReportID, input.Phase, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		snap, err := t.ComputeSnapshot(ctx, input.CycleID, input.ReportID, input.Phase)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: phaseResponse(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-phase",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/reports/{report_id}/phases/{phase}/reset",
		Summary:     "Reset phase to template",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *PhasePath) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := t.ResetPhase(ctx, input.CycleID, input.ReportID, input.Phase, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		snap, err := t.ComputeSnapshot(ctx, input.CycleID, input.ReportID, input.Phase)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: phaseResponse(snap)}, nil
	})
}

func registerActivities(api huma.API, cfg Config) {
	t := cfg.Tracker

	huma.Register(api, huma.Operation{
		OperationID: "activity-action",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/reports/{report_id}/phases/{phase}/activities/{code}/{action}",
		Summary:     "Apply an activity transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		PhasePath
		Code   string                `path:"code"`
		Action string                `path:"action" enum:"start,complete,skip,resubmit"`
		Body   ActivityActionRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := t.Transition(ctx, tracker.TransitionRequest{
			CycleID:      input.CycleID,
			ReportID:     input.ReportID,
			Phase:        input.Phase,
			ActivityCode: input.Code,
			Action:       input.Action,
			Actor:        principal.ActorID,
			Reason:       input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(a)}, nil
	})
}

func registerAssignments(api huma.API, cfg Config) {
	e := cfg.Assign

	huma.Register(api, huma.Operation{
		OperationID:   "create-assignment",
		Method:        http.MethodPost,
		Path:          "/assignments",
		Summary:       "Create assignment",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAssignmentRequest `json:"body"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := assign.CreateOptions{
			EntityType:       input.Body.EntityType,
			EntityID:         input.Body.EntityID,
			Assignee:         input.Body.Assignee,
			AssignmentType:   input.Body.AssignmentType,
			DueDate:          input.Body.DueDate,
			RequiresApproval: input.Body.RequiresApproval,
			Context:          input.Body.Context,
			Actor:            principal.ActorID,
		}
		if input.Body.FromRole != nil {
			opts.FromRole = *input.Body.FromRole
		}
		if input.Body.ToRole != nil {
			opts.ToRole = *input.Body.ToRole
		}
		if input.Body.Priority != nil {
			opts.Priority = *input.Body.Priority
		}
		if input.Body.ApprovalRole != nil {
			opts.ApprovalRole = *input.Body.ApprovalRole
		}
		if input.Body.ContextType != nil {
			opts.ContextType = *input.Body.ContextType
		}
		a, err := e.Create(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a, cfg.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/assignments",
		Summary:     "List assignments",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Assignee   string `query:"assignee"`
		Status     string `query:"status"`
		EntityType string `query:"entity_type"`
		EntityID   string `query:"entity_id"`
		Type       string `query:"type"`
		ActiveOnly bool   `query:"active_only"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []AssignmentResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		now := cfg.Now()
		items, err := e.Repo.ListAssignments(ctx, repo.AssignmentFilters{
			Assignee:           input.Assignee,
			Status:             input.Status,
			EntityType:         input.EntityType,
			EntityID:           input.EntityID,
			AssignmentType:     input.Type,
			ActiveOnly:         input.ActiveOnly,
			IncludeDelegations: input.Assignee != "",
			Now:                now.UTC().Format(time.RFC3339),
			Limit:              input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AssignmentResponse `json:"body"`
		}{Body: mapAssignments(items, now)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assignment",
		Method:      http.MethodGet,
		Path:        "/assignments/{id}",
		Summary:     "Get assignment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		a, err := e.Repo.GetAssignment(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a, cfg.Now())}, nil
	})

	registerAssignmentActions(api, cfg)

	huma.Register(api, huma.Operation{
		OperationID: "assignment-history",
		Method:      http.MethodGet,
		Path:        "/assignments/{id}/history",
		Summary:     "Assignment transition history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []HistoryResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetAssignment(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAssignmentHistory(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]HistoryResponse, 0, len(items))
		for _, h := range items {
			out = append(out, historyResponse(h))
		}
		return &struct {
			Body []HistoryResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerAssignmentActions(api huma.API, cfg Config) {
	e := cfg.Assign

	type IDPath struct {
		ID string `path:"id"`
	}
	actionErrors := []int{
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
	}

	huma.Register(api, huma.Operation{
		OperationID: "acknowledge-assignment",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/acknowledge",
		Summary:     "Acknowledge assignment",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *IDPath) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Acknowledge(ctx, input.ID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a, cfg.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-assignment",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/start",
		Summary:     "Start assignment",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *IDPath) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Start(ctx, input.ID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a, cfg.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-assignment",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/complete",
		Summary:     "Complete assignment",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		IDPath
		Body CompleteAssignmentRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Complete(ctx, input.ID, principal.ActorID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a, cfg.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-assignment",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/approve",
		Summary:     "Approve assignment",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		IDPath
		Body ApproveAssignmentRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Approve(ctx, input.ID, principal.ActorID, principal.Roles, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a, cfg.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-assignment",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/reject",
		Summary:     "Reject assignment",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		IDPath
		Body RejectAssignmentRequest `json:"body"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Reject(ctx, input.ID, principal.ActorID, principal.Roles, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a, cfg.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-assignment",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/cancel",
		Summary:     "Cancel assignment",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		IDPath
		Body CancelAssignmentRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Cancel(ctx, input.ID, principal.ActorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a, cfg.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delegate-assignment",
		Method:        http.MethodPost,
		Path:          "/assignments/{id}/delegate",
		Summary:       "Delegate assignment visibility",
		DefaultStatus: http.StatusCreated,
		Errors:        actionErrors,
	}, func(ctx context.Context, input *struct {
		IDPath
		Body DelegateAssignmentRequest `json:"body"`
	}) (*struct {
		Body DelegationResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		startsAt, err := time.Parse(time.RFC3339, input.Body.StartsAt)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid starts_at", map[string]any{"starts_at": input.Body.StartsAt})
		}
		endsAt, err := time.Parse(time.RFC3339, input.Body.EndsAt)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid ends_at", map[string]any{"ends_at": input.Body.EndsAt})
		}
		d, err := e.Delegate(ctx, input.ID, input.Body.Delegate, input.Body.Reason, startsAt, endsAt, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DelegationResponse `json:"body"`
		}{Body: delegationResponse(d)}, nil
	})
}

func registerSweep(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "sla-sweep",
		Method:      http.MethodPost,
		Path:        "/sla/sweep",
		Summary:     "Run the SLA sweep now",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body sla.SweepResult `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := cfg.Monitor.Sweep(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body sla.SweepResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	r := cfg.Tracker.Repo
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"100"`
		CycleID    string `query:"cycle_id"`
		ReportID   string `query:"report_id"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := r.LatestEvents(ctx, input.Limit, input.CycleID, input.ReportID, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, ev := range items {
			out = append(out, eventResponse(ev))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func eventResponse(ev domain.Event) EventResponse {
	var payload map[string]any
	if ev.Payload != "" {
		_ = json.Unmarshal([]byte(ev.Payload), &payload)
	}
	return EventResponse{
		ID:         ev.ID,
		Type:       ev.Type,
		CycleID:    ev.CycleID,
		ReportID:   ev.ReportID,
		EntityKind: ev.EntityKind,
		EntityID:   ev.EntityID,
		ActorID:    ev.ActorID,
		Payload:    payload,
		TS:         ev.TS,
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, req *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
	r.Get("/docs", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
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
	security := []map[string][]string{{"bearerAuth": {}}}
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
    <title>Regcycle API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}
