package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"taskflow-agent/internal/domain"
	"taskflow-agent/internal/store"
	"taskflow-agent/internal/usecase"
	"taskflow-agent/internal/workspace"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerUserID        = "X-User-Id"

	codeUnauthorized     = "UNAUTHORIZED"
	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	codeTurnInFlight     = "TURN_IN_FLIGHT"
)

// Workspaces hands out per-user workspaces. *workspace.Registry satisfies it.
type Workspaces interface {
	Acquire(ctx context.Context, userID string) (*workspace.Workspace, func(), error)
}

type Handler struct {
	workspaces Workspaces
	logger     *slog.Logger
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(ws Workspaces, opts ...Option) (*Handler, error) {
	if ws == nil {
		return nil, errors.New("handler: workspaces must not be nil")
	}
	h := &Handler{workspaces: ws, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type taskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	DueDate     string `json:"dueDate"`
	Priority    string `json:"priority"`
	Assignee    string `json:"assignee"`
}

func (r taskRequest) fields() domain.TaskFields {
	return domain.TaskFields{
		Title:       r.Title,
		Description: r.Description,
		DueDate:     r.DueDate,
		Priority:    normalizePriority(r.Priority),
		Assignee:    r.Assignee,
	}
}

// taskPatchRequest tells an absent field from an empty one.
type taskPatchRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	DueDate     *string `json:"dueDate"`
	Priority    *string `json:"priority"`
	Assignee    *string `json:"assignee"`
}

func (r taskPatchRequest) patch() domain.TaskPatch {
	p := domain.TaskPatch{
		Title:       r.Title,
		Description: r.Description,
		DueDate:     r.DueDate,
		Assignee:    r.Assignee,
	}
	if r.Priority != nil {
		priority := normalizePriority(*r.Priority)
		p.Priority = &priority
	}
	return p
}

func normalizePriority(s string) domain.Priority {
	return domain.Priority(strings.ToLower(strings.TrimSpace(s)))
}

type completeRequest struct {
	Notes string `json:"notes"`
}

type chatRequest struct {
	Text string `json:"text"`
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type chatResponse struct {
	Messages []domain.ChatMessage `json:"messages"`
}

type submitResponse struct {
	Outcome string `json:"outcome"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// request carries what every route needs.
type request struct {
	event         events.APIGatewayProxyRequest
	correlationID string
	ws            *workspace.Workspace
	logger        *slog.Logger
}

type route struct {
	method string
	// pattern segments; "{id}" matches any single segment.
	pattern []string
	serve   func(ctx context.Context, r *request, id string) events.APIGatewayProxyResponse
}

func (h *Handler) routes() []route {
	return []route{
		{http.MethodGet, []string{"tasks"}, h.listTasks},
		{http.MethodPost, []string{"tasks"}, h.createTask},
		{http.MethodPatch, []string{"tasks", "{id}"}, h.updateTask},
		{http.MethodDelete, []string{"tasks", "{id}"}, h.deleteTask},
		{http.MethodPost, []string{"tasks", "{id}", "toggle"}, h.toggleTask},
		{http.MethodPost, []string{"tasks", "{id}", "complete"}, h.completeTask},
		{http.MethodGet, []string{"dashboard"}, h.dashboard},
		{http.MethodGet, []string{"chat"}, h.listChat},
		{http.MethodPost, []string{"chat"}, h.submitChat},
	}
}

// Handle serves one API Gateway proxy event.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID, "method", event.HTTPMethod, "path", event.Path)

	rt, id, allowed := h.match(event.HTTPMethod, event.Path)
	if rt == nil {
		if len(allowed) > 0 {
			resp := jsonResponse(http.StatusMethodNotAllowed, correlationID, errorResponse{Error: codeMethodNotAllowed})
			resp.Headers["Allow"] = strings.Join(allowed, ", ")
			return resp, nil
		}
		return jsonResponse(http.StatusNotFound, correlationID, errorResponse{Error: string(domain.ErrorNotFound)}), nil
	}

	userID := userIDFrom(event)
	if userID == "" {
		return jsonResponse(http.StatusUnauthorized, correlationID, errorResponse{Error: codeUnauthorized}), nil
	}
	logger = logger.With("user", userID)

	ws, release, err := h.workspaces.Acquire(ctx, userID)
	if err != nil {
		return errorToResponse(logger, correlationID, err), nil
	}
	defer release()

	return rt.serve(ctx, &request{event: event, correlationID: correlationID, ws: ws, logger: logger}, id), nil
}

// match finds the route for method and path. When the path exists under
// other methods only, allowed lists them.
func (h *Handler) match(method, path string) (*route, string, []string) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	var allowed []string
	for _, rt := range h.routes() {
		id, ok := matchPattern(rt.pattern, segments)
		if !ok {
			continue
		}
		if rt.method == method {
			return &rt, id, nil
		}
		allowed = append(allowed, rt.method)
	}
	return nil, "", allowed
}

func matchPattern(pattern, segments []string) (string, bool) {
	if len(pattern) != len(segments) {
		return "", false
	}
	var id string
	for i, p := range pattern {
		switch {
		case p == "{id}":
			if segments[i] == "" {
				return "", false
			}
			id = segments[i]
		case p != segments[i]:
			return "", false
		}
	}
	return id, true
}

func (h *Handler) listTasks(_ context.Context, r *request, _ string) events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusOK, r.correlationID, tasksResponse{Tasks: r.ws.Tasks.Snapshot()})
}

func (h *Handler) createTask(ctx context.Context, r *request, _ string) events.APIGatewayProxyResponse {
	var in taskRequest
	if err := decodeBody(r.event.Body, &in); err != nil {
		return errorToResponse(r.logger, r.correlationID, err)
	}
	if err := r.ws.Tasks.Create(ctx, in.fields()); err != nil {
		return errorToResponse(r.logger, r.correlationID, err)
	}
	return noContent(r.correlationID)
}

func (h *Handler) updateTask(ctx context.Context, r *request, id string) events.APIGatewayProxyResponse {
	var in taskPatchRequest
	if err := decodeBody(r.event.Body, &in); err != nil {
		return errorToResponse(r.logger, r.correlationID, err)
	}
	if err := r.ws.Tasks.Update(ctx, id, in.patch()); err != nil {
		return errorToResponse(r.logger, r.correlationID, err)
	}
	return noContent(r.correlationID)
}

func (h *Handler) deleteTask(ctx context.Context, r *request, id string) events.APIGatewayProxyResponse {
	if err := r.ws.Tasks.Delete(ctx, id); err != nil {
		return errorToResponse(r.logger, r.correlationID, err)
	}
	return noContent(r.correlationID)
}

func (h *Handler) toggleTask(ctx context.Context, r *request, id string) events.APIGatewayProxyResponse {
	if err := r.ws.Tasks.Toggle(ctx, id); err != nil {
		return errorToResponse(r.logger, r.correlationID, err)
	}
	return noContent(r.correlationID)
}

func (h *Handler) completeTask(ctx context.Context, r *request, id string) events.APIGatewayProxyResponse {
	var in completeRequest
	if err := decodeBody(r.event.Body, &in); err != nil {
		return errorToResponse(r.logger, r.correlationID, err)
	}
	if err := r.ws.Tasks.Complete(ctx, id, in.Notes); err != nil {
		return errorToResponse(r.logger, r.correlationID, err)
	}
	return noContent(r.correlationID)
}

func (h *Handler) dashboard(_ context.Context, r *request, _ string) events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusOK, r.correlationID, r.ws.Dashboard())
}

func (h *Handler) listChat(_ context.Context, r *request, _ string) events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusOK, r.correlationID, chatResponse{Messages: r.ws.Transcript.Snapshot()})
}

func (h *Handler) submitChat(ctx context.Context, r *request, _ string) events.APIGatewayProxyResponse {
	var in chatRequest
	if err := decodeBody(r.event.Body, &in); err != nil {
		return errorToResponse(r.logger, r.correlationID, err)
	}
	if strings.TrimSpace(in.Text) == "" {
		return errorToResponse(r.logger, r.correlationID, domain.NewError(domain.ErrorValidation, "empty_message", nil))
	}
	out, err := r.ws.Conversation.Submit(ctx, in.Text)
	if err != nil {
		return errorToResponse(r.logger, r.correlationID, err)
	}
	if out == usecase.OutcomeDropped {
		return jsonResponse(http.StatusConflict, r.correlationID, errorResponse{Error: codeTurnInFlight})
	}
	return jsonResponse(http.StatusOK, r.correlationID, submitResponse{Outcome: out.String()})
}

func decodeBody(body string, v any) error {
	if strings.TrimSpace(body) == "" {
		return domain.NewError(domain.ErrorValidation, "empty_body", nil)
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return domain.NewError(domain.ErrorValidation, "invalid_json", err)
	}
	return nil
}

// userIDFrom prefers the authorizer's subject claim over the proxy header.
func userIDFrom(event events.APIGatewayProxyRequest) string {
	auth := event.RequestContext.Authorizer
	if claims, ok := auth["claims"].(map[string]any); ok {
		if sub, ok := claims["sub"].(string); ok && strings.TrimSpace(sub) != "" {
			return strings.TrimSpace(sub)
		}
	}
	if sub, ok := auth["sub"].(string); ok && strings.TrimSpace(sub) != "" {
		return strings.TrimSpace(sub)
	}
	return headerValue(event.Headers, headerUserID)
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func errorToResponse(logger *slog.Logger, correlationID string, err error) events.APIGatewayProxyResponse {
	code := domain.CodeOf(err)
	if code == domain.ErrorInternal && errors.Is(err, store.ErrUnavailable) {
		code = domain.ErrorStoreUnavailable
	}
	var reason string
	var de *domain.Error
	if errors.As(err, &de) {
		reason = de.Reason
	}

	status := http.StatusInternalServerError
	switch code {
	case domain.ErrorValidation:
		status = http.StatusBadRequest
		logger.Info("request rejected", "reason", reason)
	case domain.ErrorNotFound:
		status = http.StatusNotFound
		logger.Info("not found", "reason", reason)
	case domain.ErrorStoreUnavailable:
		status = http.StatusServiceUnavailable
		logger.Error("store unavailable", "reason", reason, "err", err)
	default:
		code = domain.ErrorInternal
		logger.Error("request failed", "err", err)
	}
	return jsonResponse(status, correlationID, errorResponse{Error: string(code), Reason: reason})
}

func noContent(correlationID string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusNoContent,
		Headers:    map[string]string{headerCorrelationID: correlationID},
	}
}

func jsonResponse(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	buf, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		buf = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			headerCorrelationID: correlationID,
		},
		Body: string(buf),
	}
}
