package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/open-fiscus/fiscus/internal/investigation"
	"github.com/open-fiscus/fiscus/internal/runtime"
	"github.com/open-fiscus/fiscus/internal/store"
)

type WatchlistsHandler struct {
	Store *store.Store
}

func NewWatchlistsHandler(st *store.Store) *WatchlistsHandler {
	return &WatchlistsHandler{Store: st}
}

func (h *WatchlistsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.PUT("/:id", h.update)
	g.DELETE("/:id", h.remove)
}

// create registers a watchlist.
//
//	@Summary	Create watchlist
//	@Tags		watchlists
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		CreateWatchlistRequest	true	"Watchlist payload"
//	@Success	201		{object}	IDResponse
//	@Failure	400		{object}	HTTPError
//	@Failure	500		{object}	HTTPError
//	@Router		/api/watchlists [post]
func (h *WatchlistsHandler) create(c echo.Context) error {
	userID := c.Get("user_id").(string)
	var req CreateWatchlistRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Name) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if len(req.Entities) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one entity is required")
	}
	if err := validateSchedule(req.ScheduleCron); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, err := h.Store.CreateWatchlist(c.Request().Context(), userID, req.Name, req.Entities, req.ScheduleCron)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, IDResponse{ID: id})
}

// list returns the caller's watchlists, newest first.
//
//	@Summary	List watchlists
//	@Tags		watchlists
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Success	200	{array}		WatchlistResponse
//	@Failure	500	{object}	HTTPError
//	@Router		/api/watchlists [get]
func (h *WatchlistsHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	items, err := h.Store.ListWatchlists(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]WatchlistResponse, 0, len(items))
	for _, w := range items {
		out = append(out, newWatchlistResponse(w))
	}
	return c.JSON(http.StatusOK, out)
}

// get returns one watchlist.
//
//	@Summary	Get watchlist
//	@Tags		watchlists
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		id	path	string	true	"Watchlist ID"
//	@Produce	json
//	@Success	200	{object}	WatchlistResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/watchlists/{id} [get]
func (h *WatchlistsHandler) get(c echo.Context) error {
	userID := c.Get("user_id").(string)
	w, err := h.Store.GetWatchlist(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		if errors.Is(err, investigation.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "watchlist not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, newWatchlistResponse(w))
}

// update replaces the entity set and schedule of a watchlist.
//
//	@Summary	Update watchlist
//	@Tags		watchlists
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		id		path	string					true	"Watchlist ID"
//	@Param		payload	body	UpdateWatchlistRequest	true	"Watchlist payload"
//	@Accept		json
//	@Success	204	{string}	string	"Updated"
//	@Failure	400	{object}	HTTPError
//	@Failure	404	{object}	HTTPError
//	@Router		/api/watchlists/{id} [put]
func (h *WatchlistsHandler) update(c echo.Context) error {
	userID := c.Get("user_id").(string)
	var req UpdateWatchlistRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Entities) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one entity is required")
	}
	if err := validateSchedule(req.ScheduleCron); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	err := h.Store.UpdateWatchlist(c.Request().Context(), c.Param("id"), userID, req.Entities, req.ScheduleCron)
	if err != nil {
		if errors.Is(err, investigation.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "watchlist not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// remove deletes a watchlist.
//
//	@Summary	Delete watchlist
//	@Tags		watchlists
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		id	path	string	true	"Watchlist ID"
//	@Success	204	{string}	string	"Deleted"
//	@Failure	404	{object}	HTTPError
//	@Router		/api/watchlists/{id} [delete]
func (h *WatchlistsHandler) remove(c echo.Context) error {
	userID := c.Get("user_id").(string)
	err := h.Store.DeleteWatchlist(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		if errors.Is(err, investigation.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "watchlist not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func newWatchlistResponse(w store.Watchlist) WatchlistResponse {
	return WatchlistResponse{
		ID:           w.ID,
		Name:         w.Name,
		Entities:     w.Entities,
		ScheduleCron: w.ScheduleCron,
		CreatedAt:    w.CreatedAt,
	}
}
