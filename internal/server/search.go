package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/sina-abbasi/ragline/internal/vector"
)

type SearchHandler struct {
	Vectors vector.Store
	TopK    int
}

func (h *SearchHandler) Register(g *echo.Group) {
	g.GET("/search", h.search)
}

func (h *SearchHandler) search(c echo.Context) error {
	query := strings.TrimSpace(c.QueryParam("q"))
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	topK := queryInt(c, "top_k", h.TopK)
	if topK <= 0 {
		topK = 5
	}
	results, err := h.Vectors.Query(c.Request().Context(), query, topK)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if results == nil {
		results = []vector.Result{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"query":   query,
		"results": results,
		"count":   len(results),
	})
}
