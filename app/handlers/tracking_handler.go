package handlers

import (
	"context"
	"time"

	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
)

// transparentGIF is a 1x1 transparent GIF89a
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

const unsubscribePage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>Unsubscribed</title></head>
<body style="font-family:sans-serif;text-align:center;padding-top:4em">
<h1>You have been unsubscribed</h1>
<p>You will not receive further emails at this address.</p>
</body>
</html>`

// trackingTimeout bounds the store writes of one tracking callback
const trackingTimeout = 5 * time.Second

// TrackingHandler serves the open pixel, click redirect and unsubscribe callbacks.
// None of them surfaces internal errors to the recipient.
type TrackingHandler struct {
	trackingFlow businessflow.TrackingFlow
	logger       zerolog.Logger
}

// NewTrackingHandler creates a new tracking handler
func NewTrackingHandler(trackingFlow businessflow.TrackingFlow, logger zerolog.Logger) *TrackingHandler {
	return &TrackingHandler{
		trackingFlow: trackingFlow,
		logger:       logger.With().Str("component", "tracking_handler").Logger(),
	}
}

func trackingContext(c fiber.Ctx, endpoint string) (context.Context, context.CancelFunc) {
	parent, cancelParent := createRequestContext(c, endpoint)
	ctx, cancel := context.WithTimeout(parent, trackingTimeout)
	return ctx, func() {
		cancel()
		cancelParent()
	}
}

func (h *TrackingHandler) metadata(c fiber.Ctx) *businessflow.ClientMetadata {
	meta := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))
	meta.RequestID = c.Get("X-Request-ID")
	return meta
}

// Open records an open and always answers with the pixel
// @Router /t/o/{token} [get]
func (h *TrackingHandler) Open(c fiber.Ctx) error {
	ctx, cancel := trackingContext(c, "/t/o/:token")
	defer cancel()

	if err := h.trackingFlow.RecordOpen(ctx, c.Params("token"), h.metadata(c)); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to record open")
	}

	c.Set(fiber.HeaderContentType, "image/gif")
	c.Set(fiber.HeaderCacheControl, "no-store, no-cache, must-revalidate, max-age=0")
	c.Set("Pragma", "no-cache")
	return c.Status(fiber.StatusOK).Send(transparentGIF)
}

// Click records a click and redirects to the destination
// @Router /t/c/{token} [get]
func (h *TrackingHandler) Click(c fiber.Ctx) error {
	dest := c.Query("url")
	if !utils.IsHTTPURL(dest) {
		return c.Status(fiber.StatusBadRequest).SendString("invalid destination")
	}

	ctx, cancel := trackingContext(c, "/t/c/:token")
	defer cancel()
	if err := h.trackingFlow.RecordClick(ctx, c.Params("token"), dest, h.metadata(c)); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to record click")
	}
	return c.Redirect().Status(fiber.StatusFound).To(dest)
}

// Unsubscribe records the opt-out and shows the confirmation page regardless of the token
// @Router /t/u/{token} [get]
// @Router /t/u/{token} [post]
func (h *TrackingHandler) Unsubscribe(c fiber.Ctx) error {
	ctx, cancel := trackingContext(c, "/t/u/:token")
	defer cancel()

	if err := h.trackingFlow.Unsubscribe(ctx, c.Params("token"), h.metadata(c)); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to record unsubscribe")
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.Status(fiber.StatusOK).SendString(unsubscribePage)
}
