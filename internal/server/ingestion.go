package server

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/sina-abbasi/ragline/internal/ingest"
	"github.com/sina-abbasi/ragline/internal/store"
)

// Runner starts an ingestion run. Satisfied by ingest.Orchestrator.
type Runner interface {
	Run(ctx context.Context, opts ingest.RunOptions) (ingest.RunResult, error)
}

// DocumentStore is the read side of the ingestion state.
type DocumentStore interface {
	GetIngestionRecord(ctx context.Context, documentID string) (store.IngestionRecord, bool, error)
	ListIngestionRecords(ctx context.Context, status string, limit int) ([]store.IngestionRecord, error)
	ListIngestionRuns(ctx context.Context, limit int) ([]store.RunRecord, error)
}

type IngestionHandler struct {
	Runner Runner
	Store  DocumentStore
	Logger *log.Logger
}

func (h *IngestionHandler) Register(g *echo.Group) {
	g.POST("/run", h.run)
	g.GET("/documents", h.listDocuments)
	g.GET("/documents/:id", h.getDocument)
	g.GET("/runs", h.listRuns)
}

// run triggers a full ingestion pass. A run already in progress elsewhere
// comes back as 409 with the holder's identity in the result errors.
func (h *IngestionHandler) run(c echo.Context) error {
	var opts ingest.RunOptions
	if err := c.Bind(&opts); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.Runner.Run(c.Request().Context(), opts)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	switch res.Status {
	case ingest.RunLocked:
		return c.JSON(http.StatusConflict, res)
	case ingest.RunFailed:
		return c.JSON(http.StatusBadGateway, res)
	default:
		return c.JSON(http.StatusOK, res)
	}
}

func (h *IngestionHandler) listDocuments(c echo.Context) error {
	status := c.QueryParam("status")
	limit := queryInt(c, "limit", 100)
	recs, err := h.Store.ListIngestionRecords(c.Request().Context(), status, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if recs == nil {
		recs = []store.IngestionRecord{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"documents": recs, "count": len(recs)})
}

func (h *IngestionHandler) getDocument(c echo.Context) error {
	id := c.Param("id")
	rec, ok, err := h.Store.GetIngestionRecord(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *IngestionHandler) listRuns(c echo.Context) error {
	limit := queryInt(c, "limit", 50)
	runs, err := h.Store.ListIngestionRuns(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if runs == nil {
		runs = []store.RunRecord{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs, "count": len(runs)})
}

func queryInt(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
