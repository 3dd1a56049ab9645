package casenotify

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/labcase/labcase/internal/domain/casemgmt"
	"github.com/labcase/labcase/internal/platform/auth"
)

type Handler struct {
	sched *Scheduler
}

func NewHandler(sched *Scheduler) *Handler {
	return &Handler{sched: sched}
}

// RegisterRoutes mounts the ack endpoint; g is expected at /case-management.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ack", h.Acknowledge)
}

// Acknowledge handles the link embedded in notification emails.
func (h *Handler) Acknowledge(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token is required")
	}

	ack, err := h.sched.Acknowledge(c.Request().Context(), token)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, ack)
	case errors.Is(err, auth.ErrInvalidCaseLink):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired link")
	case errors.Is(err, ErrNotAssigned):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, casemgmt.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "case not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to acknowledge case")
	}
}
