package controller

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"telemetry-pipeline/internal/collector"
	"telemetry-pipeline/internal/signing"

	"github.com/gofiber/fiber/v2"
	"github.com/klauspost/compress/gzip"
)

// maxBatchBytes bounds a decompressed upload body.
const maxBatchBytes = 16 << 20

type CollectorController interface {
	GetConfig(c *fiber.Ctx) error
	PostEvents(c *fiber.Ctx) error
}

// collectorController exposes the collector's wire endpoints.
type collectorController struct {
	collector collector.Service
}

// NewCollectorController builds a CollectorController.
func NewCollectorController(svc collector.Service) CollectorController {
	return &collectorController{collector: svc}
}

// GetConfig serves the configuration document to signed requests.
func (h *collectorController) GetConfig(c *fiber.Ctx) error {
	if err := h.authenticate(c, nil); err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(h.collector.ConfigDocument())
}

// PostEvents accepts a signed, optionally gzipped, upload batch.
func (h *collectorController) PostEvents(c *fiber.Ctx) error {
	body, err := requestBody(c)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid gzip body")
	}
	if err := h.authenticate(c, body); err != nil {
		return err
	}

	doc, err := h.collector.Ingest(c.Context(), body)
	if err != nil {
		var verr *collector.ValidationError
		if errors.As(err, &verr) {
			return fiber.NewError(fiber.StatusBadRequest, verr.Error())
		}
		return fiber.NewError(fiber.StatusInternalServerError, "failed to ingest batch")
	}

	return c.Status(fiber.StatusAccepted).JSON(doc)
}

func (h *collectorController) authenticate(c *fiber.Ctx, body []byte) error {
	err := h.collector.Authenticate(collector.SignedRequest{
		APIKey:    c.Params("apiKey"),
		Method:    c.Method(),
		Path:      c.Path(),
		Date:      c.Get(fiber.HeaderDate),
		Signature: c.Get(signing.HeaderSignature),
		Body:      body,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, collector.ErrUnknownAPIKey):
		return fiber.NewError(fiber.StatusNotFound, "unknown api key")
	case errors.Is(err, collector.ErrBadSignature), errors.Is(err, collector.ErrStaleRequest):
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, "failed to authenticate request")
	}
}

// requestBody returns the body as it was signed. The raw request body is
// used so fiber does not decode it first.
func requestBody(c *fiber.Ctx) ([]byte, error) {
	raw := c.Request().Body()
	if !strings.EqualFold(c.Get(fiber.HeaderContentEncoding), "gzip") {
		return append([]byte(nil), raw...), nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(io.LimitReader(zr, maxBatchBytes))
}
