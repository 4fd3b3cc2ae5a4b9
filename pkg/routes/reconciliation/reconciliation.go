// Package reconciliation exposes the batch sweep trigger.
package reconciliation

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	appcontext "github.com/OtticaBianchi/gestionale-sub002/pkg/context"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/reconcile"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/tracing"
)

// Register registers reconcile routes
func Register(g *echo.Group) {
	g.POST("/run", Run)
}

// RunRequest configures one sweep. Dry-run is the default; apply must be
// asked for explicitly.
type RunRequest struct {
	Apply   bool `json:"apply"`
	MaxRows int  `json:"max_rows"`
}

// Run triggers a reconcile sweep and returns its summary counters.
func Run(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "reconciliation_handler.Run")
	defer span.End()

	operatorID := appcontext.GetOperatorID(ctx)
	if operatorID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "operator id is required")
	}

	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.MaxRows < 0 {
		return httperror.NewHTTPError(http.StatusBadRequest, "max_rows must be positive")
	}

	ctx, runner, err := ectoinject.GetContext[*reconcile.Runner](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	summary, err := runner.Run(ctx, reconcile.RunOptions{
		Apply:   req.Apply,
		MaxRows: req.MaxRows,
		Actor:   operatorID,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, summary)
}
