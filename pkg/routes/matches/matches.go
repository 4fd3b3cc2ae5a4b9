// Package matches exposes the survey match queue endpoints.
package matches

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/OtticaBianchi/gestionale-sub002/internal/repositories/matchrecord"
	appcontext "github.com/OtticaBianchi/gestionale-sub002/pkg/context"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/guardrail"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/matchqueue"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/models"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/tracing"
)

var validate = validator.New()

// Register registers match queue routes
func Register(g *echo.Group) {
	g.GET("", ListOpen)
	g.POST("/:id/resolve", Resolve)
	g.POST("/:id/reject", Reject)
}

// ListOpen returns match records awaiting review, or records in an
// explicitly requested status.
func ListOpen(c echo.Context) error {
	ctx := c.Request().Context()

	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			return httperror.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 500")
		}
		limit = parsed
	}

	status := models.MatchStatus(c.QueryParam("status"))
	switch status {
	case "", models.MatchStatusNeedsReview, models.MatchStatusAutoResolved,
		models.MatchStatusManuallyResolved, models.MatchStatusRejected:
	default:
		return httperror.NewHTTPError(http.StatusBadRequest, "unknown status")
	}

	ctx, repo, err := ectoinject.GetContext[*matchrecord.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	var records []*models.MatchRecord
	if status == "" {
		records, err = repo.ListOpen(ctx, limit)
	} else {
		records, err = repo.ListByStatus(ctx, status, limit)
	}
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, records)
}

// ResolveRequest approves a match with an explicit client id. With Auto set
// the resolver ladder runs instead and ClientID must be empty.
type ResolveRequest struct {
	ClientID string `json:"client_id"`
	Auto     bool   `json:"auto"`
}

// Resolve closes a match record, either with an operator-chosen client id
// or by running the automatic ladder on demand.
func Resolve(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "matches_handler.Resolve")
	defer span.End()

	operatorID := appcontext.GetOperatorID(ctx)
	if operatorID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "operator id is required")
	}

	id := c.Param("id")

	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Auto == (req.ClientID != "") {
		return httperror.NewHTTPError(http.StatusBadRequest, "provide either client_id or auto, not both")
	}

	ctx, resolver, err := ectoinject.GetContext[*matchqueue.Resolver](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	if !req.Auto {
		record, err := resolver.ResolveManually(ctx, id, req.ClientID, operatorID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, record)
	}

	ctx, repo, err := ectoinject.GetContext[*matchrecord.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}
	record, err := repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "match record %s not found", id)
	}

	resolved, err := resolver.Resolve(ctx, guardrail.NewCache(), record, false)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resolved)
}

// RejectRequest retires a match record without a resolved client.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// Reject retires a match record without a resolved client.
func Reject(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "matches_handler.Reject")
	defer span.End()

	operatorID := appcontext.GetOperatorID(ctx)
	if operatorID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "operator id is required")
	}

	var req RejectRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx, resolver, err := ectoinject.GetContext[*matchqueue.Resolver](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	record, err := resolver.Reject(ctx, c.Param("id"), operatorID, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, record)
}
