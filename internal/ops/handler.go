// Package ops exposes the operational HTTP surface: health, dispatch
// control, mapping reload, order sync and result inspection.
package ops

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labbridge/labbridge/internal/domain/dispatch"
	"github.com/labbridge/labbridge/internal/domain/mapping"
	"github.com/labbridge/labbridge/internal/domain/orders"
	"github.com/labbridge/labbridge/internal/domain/results"
)

// CycleRunner is the dispatch-cycle surface the handler drives.
type CycleRunner interface {
	Run(ctx context.Context) (dispatch.Stats, error)
	LastStats() (dispatch.Stats, time.Time)
}

// OrderSyncer pulls orders from the remote system for one date.
type OrderSyncer interface {
	Sync(ctx context.Context, fecha string) (orders.SyncStats, error)
}

// InboxRunner drains the file inbox once.
type InboxRunner interface {
	RunOnce(ctx context.Context) (processed, failed int, err error)
}

// ListenerStatus reports the MLLP listener state.
type ListenerStatus interface {
	Running() bool
	Addr() string
}

type Handler struct {
	health   echo.HandlerFunc
	cycle    CycleRunner
	mapping  mapping.Resolver
	repo     results.Repository
	sync     OrderSyncer
	inbox    InboxRunner
	listener ListenerStatus
	log      zerolog.Logger
}

func NewHandler(health echo.HandlerFunc, cycle CycleRunner, m mapping.Resolver,
	repo results.Repository, sync OrderSyncer, inbox InboxRunner,
	listener ListenerStatus, log zerolog.Logger) *Handler {
	return &Handler{
		health:   health,
		cycle:    cycle,
		mapping:  m,
		repo:     repo,
		sync:     sync,
		inbox:    inbox,
		listener: listener,
		log:      log.With().Str("component", "ops").Logger(),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.health)
	e.GET("/api/status", h.Status)

	e.GET("/api/dispatch/stats", h.DispatchStats)
	e.POST("/api/dispatch/run", h.DispatchRun)

	e.POST("/api/mapping/reload", h.MappingReload)

	e.POST("/api/orders/sync", h.OrdersSync)
	e.POST("/api/inbox/run", h.InboxRun)

	e.GET("/api/results/pending", h.ResultsPending)
	e.GET("/api/results/:id", h.ResultByID)
}

func (h *Handler) Status(c echo.Context) error {
	stats, lastRun := h.cycle.LastStats()
	out := map[string]interface{}{
		"listener_running": h.listener.Running(),
		"listener_addr":    h.listener.Addr(),
		"last_cycle":       stats,
	}
	if !lastRun.IsZero() {
		out["last_cycle_at"] = lastRun
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) DispatchStats(c echo.Context) error {
	stats, lastRun := h.cycle.LastStats()
	out := map[string]interface{}{"stats": stats}
	if !lastRun.IsZero() {
		out["ran_at"] = lastRun
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) DispatchRun(c echo.Context) error {
	stats, err := h.cycle.Run(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) MappingReload(c echo.Context) error {
	if err := h.mapping.Reload(); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "reloaded"})
}

func (h *Handler) OrdersSync(c echo.Context) error {
	fecha := c.QueryParam("fecha")
	if fecha == "" {
		fecha = time.Now().Format("2006-01-02")
	}
	stats, err := h.sync.Sync(c.Request().Context(), fecha)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) InboxRun(c echo.Context) error {
	processed, failed, err := h.inbox.RunOnce(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"processed": processed, "failed": failed})
}

func (h *Handler) ResultsPending(c echo.Context) error {
	limit := 50
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	pending, err := h.repo.SelectPending(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if pending == nil {
		pending = []results.PendingAnalyte{}
	}
	return c.JSON(http.StatusOK, pending)
}

func (h *Handler) ResultByID(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	header, err := h.repo.GetResult(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if header == nil {
		return echo.NewHTTPError(http.StatusNotFound, "result not found")
	}
	analytes, err := h.repo.ListAnalytes(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"result":   header,
		"analytes": analytes,
	})
}
