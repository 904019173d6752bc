package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/open-fiscus/fiscus/config"
	"github.com/open-fiscus/fiscus/internal/queue/streams"
	"github.com/open-fiscus/fiscus/internal/runtime"
)

// OpsHandler exposes operational endpoints. All routes require the "ops"
// scope; mint a token with `fiscus token --scope ops`.
type OpsHandler struct {
	rdb   *redis.Client
	queue config.QueueConfig
}

func NewOpsHandler(rdb *redis.Client, queue config.QueueConfig) *OpsHandler {
	return &OpsHandler{rdb: rdb, queue: queue}
}

func (h *OpsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.Use(runtime.RequireScopes("ops"))
	g.GET("/queue", h.queueStats)
}

// queueStats reports stream depth and consumer-group lag for the
// investigation queue.
//
//	@Summary	Queue lag and pending state
//	@Tags		ops
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Success	200	{array}		QueueStatsResponse
//	@Failure	403	{object}	HTTPError
//	@Failure	500	{object}	HTTPError
//	@Router		/api/ops/queue [get]
func (h *OpsHandler) queueStats(c echo.Context) error {
	ctx := c.Request().Context()
	out := make([]QueueStatsResponse, 0, 2)

	for _, probe := range []struct {
		stream string
		group  string
	}{
		{stream: streams.StreamInvestigations, group: h.queue.Group},
		{stream: streams.StreamResults},
	} {
		stats := QueueStatsResponse{Stream: probe.stream, Group: probe.group}
		length, err := h.rdb.XLen(ctx, probe.stream).Result()
		if err != nil && err != redis.Nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		stats.Length = length
		if probe.group != "" {
			lag, err := streams.GroupLag(ctx, h.rdb, probe.stream, probe.group)
			if err == nil {
				stats.Pending = lag.Pending
				stats.Lag = lag.Lag
				stats.Consumers = lag.Consumers
				stats.OldestIdleMS = lag.OldestIdle.Milliseconds()
			}
		}
		out = append(out, stats)
	}
	return c.JSON(http.StatusOK, out)
}
