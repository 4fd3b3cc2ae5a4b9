// Package clients exposes read endpoints for client records.
package clients

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/OtticaBianchi/gestionale-sub002/internal/repositories/audit"
	"github.com/OtticaBianchi/gestionale-sub002/internal/repositories/client"
)

// Register registers client routes
func Register(g *echo.Group) {
	g.GET("", SearchClients)
	g.GET("/:id", GetClient)
	g.GET("/:id/audit", GetClientAudit)
}

// SearchClients looks up active clients by name, email or phone fragment.
func SearchClients(c echo.Context) error {
	ctx := c.Request().Context()

	query := strings.TrimSpace(c.QueryParam("query"))
	if query == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			return httperror.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 200")
		}
		limit = parsed
	}

	ctx, repo, err := ectoinject.GetContext[*client.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	records, err := repo.Search(ctx, query, limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, records)
}

// GetClient returns one client record, retired ones included so admins can
// follow a merged_into chain.
func GetClient(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*client.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	record, err := repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "client %s not found", id)
	}

	return c.JSON(http.StatusOK, record)
}

// GetClientAudit returns the merge audit trail touching a client.
func GetClientAudit(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*audit.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entries, err := repo.ListForClient(ctx, id, 100)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, entries)
}
