package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/open-fiscus/fiscus/internal/investigation"
	"github.com/open-fiscus/fiscus/internal/queue/streams"
	"github.com/open-fiscus/fiscus/internal/runtime"
)

// invService is the slice of the investigation service the HTTP layer
// depends on; tests substitute a stub.
type invService interface {
	Start(ctx context.Context, q investigation.Query) (investigation.Investigation, error)
	Status(ctx context.Context, id string) (investigation.Investigation, error)
	Cancel(ctx context.Context, id string) error
	List(ctx context.Context, limit, offset int) ([]investigation.Investigation, error)
}

// invPublisher hands investigations to the worker fleet.
type invPublisher interface {
	PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

type InvestigationsHandler struct {
	svc    invService
	queue  invPublisher
	logger *log.Logger
}

// NewInvestigationsHandler wires the investigation endpoints. A nil queue
// disables enqueue mode; starts then always run in-process.
func NewInvestigationsHandler(svc invService, queue invPublisher) *InvestigationsHandler {
	return &InvestigationsHandler{
		svc:    svc,
		queue:  queue,
		logger: log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}
}

func (h *InvestigationsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.start)
	g.GET("", h.list)
	g.GET("/:id", h.status)
	g.DELETE("/:id", h.cancel)
	g.GET("/:id/report", h.report)
}

// start opens an investigation for the given query.
//
//	@Summary	Start investigation
//	@Tags		investigations
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		StartInvestigationRequest	true	"Investigation request"
//	@Success	202		{object}	StartInvestigationResponse
//	@Failure	400		{object}	HTTPError
//	@Failure	500		{object}	HTTPError
//	@Router		/api/investigations [post]
func (h *InvestigationsHandler) start(c echo.Context) error {
	var req StartInvestigationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	if req.Enqueue {
		if h.queue == nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "queue not configured")
		}
		userID, _ := c.Get("user_id").(string)
		id := uuid.NewString()
		payload := streams.EnqueuePayload{
			InvestigationID: id,
			QueryText:       req.Query,
			Params:          req.Params,
			Trigger:         streams.TriggerManual,
			UserID:          userID,
		}
		if _, err := h.queue.PublishRaw(c.Request().Context(), streams.StreamInvestigations,
			streams.EventInvestigationEnqueued, "v1", payload); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		h.logger.Printf("enqueued investigation %s", id)
		return c.JSON(http.StatusAccepted, StartInvestigationResponse{ID: id, Enqueued: true})
	}

	inv, err := h.svc.Start(c.Request().Context(), investigation.Query{Text: req.Query, Params: req.Params})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, StartInvestigationResponse{ID: inv.ID, State: string(inv.State)})
}

// status reports the live snapshot of an investigation, findings so far
// included.
//
//	@Summary	Investigation status
//	@Tags		investigations
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		id	path	string	true	"Investigation ID"
//	@Produce	json
//	@Success	200	{object}	InvestigationStatusResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/investigations/{id} [get]
func (h *InvestigationsHandler) status(c echo.Context) error {
	inv, err := h.svc.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, investigation.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "investigation not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, newStatusResponse(inv))
}

// cancel stops a running investigation. Findings from completed stages
// survive; the run settles as cancelled.
//
//	@Summary	Cancel investigation
//	@Tags		investigations
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		id	path	string	true	"Investigation ID"
//	@Produce	json
//	@Success	202	{object}	map[string]string
//	@Failure	404	{object}	HTTPError
//	@Failure	409	{object}	HTTPError
//	@Router		/api/investigations/{id} [delete]
func (h *InvestigationsHandler) cancel(c echo.Context) error {
	err := h.svc.Cancel(c.Request().Context(), c.Param("id"))
	switch {
	case err == nil:
		return c.JSON(http.StatusAccepted, map[string]string{"status": "cancelling"})
	case errors.Is(err, investigation.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "investigation not found")
	case errors.Is(err, investigation.ErrAlreadyFinished):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// report serves the stable payload of a finished investigation.
//
//	@Summary	Investigation report
//	@Tags		investigations
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		id	path	string	true	"Investigation ID"
//	@Produce	json
//	@Success	200	{object}	InvestigationReportResponse
//	@Failure	404	{object}	HTTPError
//	@Failure	409	{object}	HTTPError
//	@Router		/api/investigations/{id}/report [get]
func (h *InvestigationsHandler) report(c echo.Context) error {
	inv, err := h.svc.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, investigation.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "investigation not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !inv.State.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "investigation still running")
	}
	return c.JSON(http.StatusOK, newReportResponse(inv))
}

// list returns investigations newest first.
//
//	@Summary	List investigations
//	@Tags		investigations
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		limit	query	int	false	"Maximum results (default 50)"
//	@Param		offset	query	int	false	"Results to skip"
//	@Produce	json
//	@Success	200	{array}		InvestigationSummary
//	@Failure	500	{object}	HTTPError
//	@Router		/api/investigations [get]
func (h *InvestigationsHandler) list(c echo.Context) error {
	limit := 50
	if v := strings.TrimSpace(c.QueryParam("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := strings.TrimSpace(c.QueryParam("offset")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	items, err := h.svc.List(c.Request().Context(), limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]InvestigationSummary, 0, len(items))
	for _, inv := range items {
		out = append(out, InvestigationSummary{
			ID:         inv.ID,
			State:      string(inv.State),
			Intent:     string(inv.Classification.Intent),
			Query:      inv.Query.Text,
			Confidence: inv.Confidence,
			Findings:   len(inv.Findings),
			Flags:      inv.Flags,
			CreatedAt:  inv.CreatedAt,
			FinishedAt: inv.FinishedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func newStatusResponse(inv investigation.Investigation) InvestigationStatusResponse {
	return InvestigationStatusResponse{
		ID:          inv.ID,
		State:       string(inv.State),
		Intent:      string(inv.Classification.Intent),
		Query:       inv.Query.Text,
		Stages:      len(inv.Stages),
		Reflections: inv.Reflections,
		Confidence:  inv.Confidence,
		Findings:    inv.Findings,
		Flags:       inv.Flags,
		Errors:      inv.Errors,
		CreatedAt:   inv.CreatedAt,
		UpdatedAt:   inv.UpdatedAt,
		FinishedAt:  inv.FinishedAt,
	}
}

func newReportResponse(inv investigation.Investigation) InvestigationReportResponse {
	stages := make([]ReportStage, 0, len(inv.Stages))
	for _, st := range inv.Stages {
		stages = append(stages, ReportStage{
			Index:      st.Index,
			Reason:     st.Reason,
			Workers:    len(st.Result.Results),
			Succeeded:  st.Result.Succeeded,
			Confidence: st.Confidence,
		})
	}
	findings := inv.Findings
	if findings == nil {
		findings = []investigation.FindingRecord{}
	}
	return InvestigationReportResponse{
		ID:          inv.ID,
		State:       string(inv.State),
		Intent:      string(inv.Classification.Intent),
		Query:       inv.Query.Text,
		Confidence:  inv.Confidence,
		Findings:    findings,
		Stages:      stages,
		Reflections: inv.Reflections,
		Flags:       inv.Flags,
		Errors:      inv.Errors,
		CreatedAt:   inv.CreatedAt,
		FinishedAt:  inv.FinishedAt,
	}
}
