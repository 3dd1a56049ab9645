package casemgmt

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labcase/labcase/internal/domain/labresult"
)

// BatchIngester is the part of Processor the webhook needs.
type BatchIngester interface {
	Ingest(ctx context.Context, lab labresult.LabName, payload []byte, in labresult.Intake) (*BatchReport, error)
}

// Handler exposes lab result intake over HTTP.
type Handler struct {
	ingest BatchIngester
	logger zerolog.Logger
}

func NewHandler(ingest BatchIngester, logger zerolog.Logger) *Handler {
	return &Handler{ingest: ingest, logger: logger}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/webhooks/labs/:lab", h.ReceiveLabPayload)
}

// ReceiveLabPayload accepts one lab delivery. The response is 202 with the
// batch report once results are stored, even if some failed processing;
// those stay flagged for rescan. A payload that cannot be normalized is 400.
// If any result could not be stored the report comes back with 503 so the
// lab redelivers; stored results dedupe on redelivery.
func (h *Handler) ReceiveLabPayload(c echo.Context) error {
	lab, err := labresult.ParseLab(c.Param("lab"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	payload, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			return httpErr
		}
		return echo.NewHTTPError(http.StatusBadRequest, "could not read request body")
	}
	if len(payload) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "empty payload")
	}

	in := labresult.Intake{
		AccountID:  c.QueryParam("account_id"),
		Source:     "http",
		ReceivedAt: time.Now().UTC(),
	}
	if p := c.QueryParam("product_id"); p != "" {
		in.ProductID = &p
	}

	report, err := h.ingest.Ingest(c.Request().Context(), lab, payload, in)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if report == nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to ingest payload")
		}
		rid, _ := c.Get("request_id").(string)
		if errors.Is(err, ErrStore) {
			h.logger.Error().Err(err).
				Str("request_id", rid).
				Str("lab", string(lab)).
				Int("store_failed", report.StoreFailed).
				Msg("lab payload not fully stored")
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		h.logger.Warn().Err(err).
			Str("request_id", rid).
			Str("lab", string(lab)).
			Int("failed", report.Failed).
			Msg("lab payload accepted with processing failures")
	}
	return c.JSON(http.StatusAccepted, report)
}
