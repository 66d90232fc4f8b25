package chat

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/assistant/internal/domain/access"
	"github.com/ehr/assistant/internal/domain/audit"
	"github.com/ehr/assistant/internal/domain/progress"
	"github.com/ehr/assistant/internal/platform/auth"
	"github.com/ehr/assistant/internal/platform/taskbus"
	"github.com/ehr/assistant/pkg/pagination"
)

const historyPath = "/api/v1/chat/audit/me"

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger.With().Str("component", "chat-handler").Logger()}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/chat", auth.RequireRole(access.RolePatient, access.RoleDoctor, access.RoleHospital))
	g.POST("", h.Ask)
	g.POST("/stream", h.Stream)
	g.DELETE("/tasks/:id", h.CancelTask)
	g.GET("/prompts", h.Prompts)
	g.GET("/audit/me", h.AuditHistory)
}

// StatusFor maps an error kind to the HTTP status returned for it.
func StatusFor(k access.Kind) int {
	switch k {
	case "":
		return http.StatusOK
	case access.KindIdentityInvalid:
		return http.StatusUnauthorized
	case access.KindScopeViolation, access.KindConsentDenied:
		return http.StatusForbidden
	case access.KindDataAccessAmbiguous, access.KindCancelled:
		return http.StatusConflict
	case access.KindDataAccessTimeout, access.KindGenerationTimeout:
		return http.StatusGatewayTimeout
	case access.KindGenerationError:
		return http.StatusBadGateway
	case access.KindResponseBlocked:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *Handler) bind(c echo.Context) (Request, error) {
	var req Request
	if err := c.Bind(&req); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return req, nil
}

func startError(err error) error {
	if errors.Is(err, ErrInvalidQuery) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	kind := access.KindOf(err)
	return echo.NewHTTPError(StatusFor(kind), kind.PublicMessage())
}

// Ask runs the pipeline and answers with the terminal progress event.
func (h *Handler) Ask(c echo.Context) error {
	req, err := h.bind(c)
	if err != nil {
		return err
	}
	ev, err := h.svc.Ask(c.Request().Context(), req)
	if err != nil {
		return startError(err)
	}
	return c.JSON(StatusFor(ev.ErrorKind), ev)
}

// Stream writes progress events as newline-delimited JSON. A client that
// disconnects cancels the run through the request context.
func (h *Handler) Stream(c echo.Context) error {
	req, err := h.bind(c)
	if err != nil {
		return err
	}
	id, events, err := h.svc.Start(c.Request().Context(), req.Query, req.History)
	if err != nil {
		return startError(err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	res.Header().Set("X-Accel-Buffering", "no")
	res.Header().Set("X-Assistant-Request-ID", id)
	res.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(res)
	broken := false
	for ev := range events {
		if broken {
			continue
		}
		if err := enc.Encode(ev); err != nil {
			h.logger.Debug().Err(err).Str("request_id", id).Msg("stream client went away")
			broken = true
			continue
		}
		res.Flush()
	}
	return nil
}

// CancelTask cancels one of the caller's own running requests.
func (h *Handler) CancelTask(c echo.Context) error {
	id := c.Param("id")
	err := h.svc.Cancel(c.Request().Context(), id)
	switch {
	case err == nil:
		return c.JSON(http.StatusAccepted, map[string]string{"request_id": id, "status": progress.Cancelled.String()})
	case errors.Is(err, taskbus.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "no running request with that id")
	default:
		kind := access.KindOf(err)
		if kind == access.KindInternal {
			h.logger.Error().Err(err).Str("request_id", id).Msg("cancel failed")
		}
		return echo.NewHTTPError(StatusFor(kind), kind.PublicMessage())
	}
}

func (h *Handler) Prompts(c echo.Context) error {
	claim, ok := auth.ClaimFromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, access.KindIdentityInvalid.PublicMessage())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"role":    claim.Role,
		"prompts": SuggestedPrompts(claim.Role),
	})
}

// AuditHistory lists the caller's own requests, metadata only.
func (h *Handler) AuditHistory(c echo.Context) error {
	p := pagination.FromContext(c)
	rows, err := h.svc.History(c.Request().Context(), p.Probe(), p.Offset)
	if err != nil {
		kind := access.KindOf(err)
		if kind == access.KindInternal {
			h.logger.Error().Err(err).Msg("audit history failed")
		}
		return echo.NewHTTPError(StatusFor(kind), kind.PublicMessage())
	}
	return c.JSON(http.StatusOK, pagination.NewPage[audit.Summary](rows, p, historyPath))
}
