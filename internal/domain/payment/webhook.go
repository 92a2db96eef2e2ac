package payment

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/luiz1143/Analisa-vet/internal/platform/metrics"
	"github.com/luiz1143/Analisa-vet/internal/platform/paygateway"
)

// Webhook acknowledgements. The provider redelivers on anything but 2xx.
const (
	AckAccepted = "accepted"
	AckIgnored  = "ignored"
	AckRetry    = "retry"
	AckRejected = "rejected"
)

// SignatureVerifier authenticates a webhook delivery.
type SignatureVerifier interface {
	Verify(h http.Header, body []byte, dataID string) error
}

// WebhookHandler receives payment provider notifications.
type WebhookHandler struct {
	rec      *Reconciler
	resolver paygateway.Resolver
	verifier SignatureVerifier
	timeout  time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

func NewWebhookHandler(rec *Reconciler, resolver paygateway.Resolver, verifier SignatureVerifier, timeout time.Duration, log zerolog.Logger) *WebhookHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookHandler{
		rec:      rec,
		resolver: resolver,
		verifier: verifier,
		timeout:  timeout,
		log:      log.With().Str("component", "webhook").Logger(),
		now:      time.Now,
	}
}

// RegisterRoutes mounts the webhook outside the authenticated API group; the
// delivery signature is its only credential.
func (h *WebhookHandler) RegisterRoutes(e *echo.Echo) {
	e.POST("/webhooks/payments", h.Receive)
}

type ackResponse struct {
	Result  string `json:"result"`
	EventID string `json:"event_id,omitempty"`
	Effect  Effect `json:"effect,omitempty"`
}

func (h *WebhookHandler) ack(c echo.Context, status int, resp ackResponse) error {
	metrics.WebhookEventsTotal.WithLabelValues(resp.Result).Inc()
	return c.JSON(status, resp)
}

// Receive authenticates a delivery, resolves the payment it refers to and
// hands the resulting event to the reconciler.
func (h *WebhookHandler) Receive(c echo.Context) error {
	req := c.Request()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return h.ack(c, http.StatusBadRequest, ackResponse{Result: AckRejected})
	}
	log := h.log.With().Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).Logger()

	n, parseErr := paygateway.ParseNotification(body, c.QueryParams())

	if err := h.verifier.Verify(req.Header, body, n.DataID); err != nil {
		metrics.SignatureFailuresTotal.Inc()
		log.Error().Err(err).Bool("security_review", true).
			Str("remote_ip", c.RealIP()).Str("data_id", n.DataID).Msg("webhook signature rejected")
		return h.ack(c, http.StatusUnauthorized, ackResponse{Result: AckRejected})
	}

	ctx, cancel := context.WithTimeout(req.Context(), h.timeout)
	defer cancel()
	receivedAt := h.now()

	if parseErr != nil {
		ev := Event{ID: "malformed:" + HashPayload(body), Kind: KindUnrecognized, PayloadHash: HashPayload(body), Payload: body, ReceivedAt: receivedAt.UTC()}
		return h.park(ctx, c, log, ev, parseErr.Error())
	}
	log = log.With().Str("notification_id", n.ID).Str("type", n.Type).Str("data_id", n.DataID).Logger()

	res, err := h.resolver.Resolve(ctx, n)
	if err != nil {
		ev := EventFromResolution(n, res, body, receivedAt)
		ev.Kind = KindUnrecognized
		var pe *paygateway.ProviderError
		switch {
		case errors.Is(err, paygateway.ErrUnsupportedTopic), errors.Is(err, paygateway.ErrNoPayment):
			return h.park(ctx, c, log, ev, err.Error())
		case errors.As(err, &pe) && !pe.Transient():
			return h.park(ctx, c, log, ev, err.Error())
		default:
			log.Warn().Err(err).Msg("could not resolve notification, asking for redelivery")
			return h.ack(c, http.StatusServiceUnavailable, ackResponse{Result: AckRetry})
		}
	}

	ev := EventFromResolution(n, res, body, receivedAt)
	result, err := h.rec.Process(ctx, ev)
	var unrec *UnrecognizedEventError
	switch {
	case err == nil && result.Effect == EffectTransitioned:
		return h.ack(c, http.StatusOK, ackResponse{Result: AckAccepted, EventID: ev.ID, Effect: result.Effect})
	case err == nil:
		return h.ack(c, http.StatusAccepted, ackResponse{Result: AckIgnored, EventID: ev.ID, Effect: result.Effect})
	case errors.As(err, &unrec):
		return h.ack(c, http.StatusAccepted, ackResponse{Result: AckIgnored, EventID: ev.ID, Effect: EffectParked})
	default:
		log.Error().Err(err).Str("event_id", ev.ID).Msg("event not applied, asking for redelivery")
		return h.ack(c, http.StatusServiceUnavailable, ackResponse{Result: AckRetry, EventID: ev.ID})
	}
}

func (h *WebhookHandler) park(ctx context.Context, c echo.Context, log zerolog.Logger, ev Event, reason string) error {
	inserted, err := h.rec.store.ParkEvent(ctx, ev, reason)
	if err != nil {
		log.Error().Err(err).Str("event_id", ev.ID).Msg("park event")
		return h.ack(c, http.StatusServiceUnavailable, ackResponse{Result: AckRetry, EventID: ev.ID})
	}
	effect := EffectParked
	if !inserted {
		effect = EffectDuplicate
	} else {
		log.Warn().Str("event_id", ev.ID).Str("reason", reason).Msg("event parked")
	}
	return h.ack(c, http.StatusAccepted, ackResponse{Result: AckIgnored, EventID: ev.ID, Effect: effect})
}
