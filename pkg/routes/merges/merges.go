// Package merges exposes the admin merge endpoints: a read-only proposal
// preview and the guarded execute action.
package merges

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	appcontext "github.com/OtticaBianchi/gestionale-sub002/pkg/context"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/guardrail"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/merge"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/tracing"
)

var validate = validator.New()

// Register registers merge routes
func Register(g *echo.Group) {
	g.POST("/propose", Propose)
	g.POST("/execute", Execute)
}

// ProposeRequest asks for a merge preview over a candidate group.
type ProposeRequest struct {
	ClientIDs []string `json:"client_ids" validate:"required,min=2,dive,required"`
}

// Propose previews a merge: winner, losers, field backfill and every
// blocking reason. Nothing is written.
func Propose(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "merges_handler.Propose")
	defer span.End()

	var req ProposeRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, engine, err := ectoinject.GetContext[*merge.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	plan, err := engine.Propose(ctx, guardrail.NewCache(), req.ClientIDs)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, plan.MergeProposal)
}

// ExecuteRequest applies a merge over a candidate group.
type ExecuteRequest struct {
	ClientIDs []string `json:"client_ids" validate:"required,min=2,dive,required"`
	// Force overrides soft conflicts only; guardrail blocks always hold.
	Force  bool   `json:"force"`
	DryRun bool   `json:"dry_run"`
	Reason string `json:"reason"`
}

// Execute applies a merge. The plan is recomputed from live data, so a
// stale preview can never be applied blindly.
func Execute(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "merges_handler.Execute")
	defer span.End()

	operatorID := appcontext.GetOperatorID(ctx)
	if operatorID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "operator id is required")
	}

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, engine, err := ectoinject.GetContext[*merge.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	result, err := engine.Execute(ctx, guardrail.NewCache(), req.ClientIDs, merge.ExecuteOptions{
		DryRun: req.DryRun,
		Force:  req.Force,
		Actor:  operatorID,
		Reason: req.Reason,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}
