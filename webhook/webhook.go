// Package webhook delivers domain events to the URLs tenants register. Deliveries are signed with HMAC-SHA256 under
// the per-webhook secret, attempted once with a bounded timeout and logged to the event log whatever the outcome.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tarancss/waas/lib/apperr"
	"github.com/tarancss/waas/lib/auth"
	"github.com/tarancss/waas/lib/events"
	"github.com/tarancss/waas/lib/metrics"
	"github.com/tarancss/waas/lib/store"
)

// Headers set on every delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"

	signaturePrefix = "sha256="
	secretBytes     = 32
	maxDrain        = 64 << 10
)

// DefaultTimeout bounds a delivery when none is configured.
const DefaultTimeout = 10 * time.Second

// ErrDelivery is returned by Publish when at least one delivery failed.
var ErrDelivery = errors.New("webhook: delivery failed")

// Store is the webhook registry.
type Store interface {
	CreateWebhook(ctx context.Context, w *store.Webhook) error
	GetWebhook(ctx context.Context, id string) (*store.Webhook, error)
	ListWebhooks(ctx context.Context, tenantID string) ([]store.Webhook, error)
	DeleteWebhook(ctx context.Context, id string) error
}

// Payload is the JSON body of a delivery.
type Payload struct {
	Event      string      `json:"event"`
	Data       interface{} `json:"data"`
	Timestamp  time.Time   `json:"timestamp"`
	DeliveryID string      `json:"delivery_id"`
}

// Dispatcher registers webhooks and fans events out to them.
type Dispatcher struct {
	db     Store
	el     store.EventLog
	client *http.Client
	log    *zap.Logger
	now    func() time.Time
}

// New returns a dispatcher whose deliveries time out after timeout.
func New(db Store, el store.EventLog, timeout time.Duration, log *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Dispatcher{
		db:     db,
		el:     el,
		client: &http.Client{Timeout: timeout},
		log:    log,
		now:    time.Now,
	}
}

// Register adds a webhook for the tenant. A random secret is generated when secret is empty; the caller must hand it
// to the tenant as it is never shown again.
func (d *Dispatcher) Register(ctx context.Context, tenantID, rawURL string, evs []string, secret string,
) (*store.Webhook, string, error) {
	if tenantID == "" {
		return nil, "", apperr.New(apperr.Authorization, "webhooks require a tenant")
	}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, "", apperr.Invalid("url", "must be an absolute http or https url")
	}

	if len(evs) == 0 {
		return nil, "", apperr.Invalid("events", "at least one event is required")
	}

	for _, e := range evs {
		if !events.Known(e) {
			return nil, "", apperr.Invalid("events", "unknown event "+e)
		}
	}

	if secret == "" {
		if secret, err = auth.RandomHex(secretBytes); err != nil {
			return nil, "", err
		}
	}

	w := &store.Webhook{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		URL:       u.String(),
		Events:    evs,
		Secret:    secret,
		Active:    true,
		CreatedAt: d.now().UTC(),
	}

	if err = d.db.CreateWebhook(ctx, w); err != nil {
		return nil, "", fmt.Errorf("webhook: cannot save: %w", err)
	}

	return w, secret, nil
}

// List returns the webhooks of the tenant.
func (d *Dispatcher) List(ctx context.Context, tenantID string) ([]store.Webhook, error) {
	return d.db.ListWebhooks(ctx, tenantID)
}

// get returns a webhook of the tenant. Webhooks of other tenants are not found.
func (d *Dispatcher) get(ctx context.Context, tenantID, id string) (*store.Webhook, error) {
	w, err := d.db.GetWebhook(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && w.TenantID != tenantID) {
		return nil, apperr.NotFoundf("webhook not found")
	}

	return w, err
}

// Delete removes a webhook of the tenant.
func (d *Dispatcher) Delete(ctx context.Context, tenantID, id string) error {
	if _, err := d.get(ctx, tenantID, id); err != nil {
		return err
	}

	return d.db.DeleteWebhook(ctx, id)
}

// Deliveries returns the latest delivery attempts of a webhook of the tenant.
func (d *Dispatcher) Deliveries(ctx context.Context, tenantID, id string, limit int) ([]store.Delivery, error) {
	if _, err := d.get(ctx, tenantID, id); err != nil {
		return nil, err
	}

	return d.el.ListDeliveries(ctx, id, limit)
}

func subscribed(w store.Webhook, event string) bool {
	for _, e := range w.Events {
		if e == event || e == events.Any {
			return true
		}
	}

	return false
}

// Publish delivers e to every active webhook of its tenant subscribed to it, each in its own goroutine, and returns
// once every attempt finished. Events without a tenant go nowhere.
func (d *Dispatcher) Publish(ctx context.Context, e events.Event) error {
	if e.TenantID == "" {
		return nil
	}

	hooks, err := d.db.ListWebhooks(ctx, e.TenantID)
	if err != nil {
		return fmt.Errorf("webhook: cannot list webhooks of tenant %s: %w", e.TenantID, err)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)

	for _, h := range hooks {
		if !h.Active || !subscribed(h, e.Name) {
			continue
		}

		wg.Add(1)

		go func(h store.Webhook) {
			defer wg.Done()

			if !d.deliver(ctx, h, e) {
				mu.Lock()
				failed = append(failed, h.ID)
				mu.Unlock()
			}
		}(h)
	}

	wg.Wait()

	if len(failed) > 0 {
		return fmt.Errorf("%w: %s to %s", ErrDelivery, e.Name, strings.Join(failed, ","))
	}

	return nil
}

// deliver makes the single attempt at delivering e to h and logs it.
func (d *Dispatcher) deliver(ctx context.Context, h store.Webhook, e events.Event) bool {
	at := e.At
	if at.IsZero() {
		at = d.now().UTC()
	}

	p := Payload{Event: e.Name, Data: e.Data, Timestamp: at, DeliveryID: uuid.NewString()}
	rec := store.Delivery{
		ID:         uuid.NewString(),
		WebhookID:  h.ID,
		TenantID:   h.TenantID,
		Event:      e.Name,
		DeliveryID: p.DeliveryID,
		Attempt:    1,
		At:         d.now().UTC(),
	}

	begin := time.Now()
	code, err := d.post(ctx, h, p)
	rec.DurationMS = time.Since(begin).Milliseconds()
	rec.StatusCode = code

	if err != nil {
		rec.Outcome = store.DeliveryFailed
		rec.Error = err.Error()
		d.log.Warn("webhook delivery failed", zap.String("webhook", h.ID), zap.String("event", e.Name),
			zap.Int("status", code), zap.Error(err))
	} else {
		rec.Outcome = store.DeliverySuccess
		d.log.Debug("webhook delivered", zap.String("webhook", h.ID), zap.String("event", e.Name))
	}

	metrics.WebhookDeliveries.WithLabelValues(e.Name, rec.Outcome).Inc()

	// the attempt is logged even when the caller is gone
	if lerr := d.el.LogDelivery(context.WithoutCancel(ctx), rec); lerr != nil {
		d.log.Error("cannot log webhook delivery", zap.String("webhook", h.ID), zap.Error(lerr))
	}

	return err == nil
}

func (d *Dispatcher) post(ctx context.Context, h store.Webhook, p Payload) (int, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("cannot encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(h.Secret, body))
	req.Header.Set(HeaderEvent, p.Event)
	req.Header.Set(HeaderDelivery, p.DeliveryID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}

	defer func() {
		// drained so the connection goes back to the pool
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("receiver answered %s", resp.Status)
	}

	return resp.StatusCode, nil
}

// Sign returns the signature header value of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether header is the signature of body under secret. Receivers call it on the raw request body
// before trusting the payload.
func Verify(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}

	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return hmac.Equal(got, mac.Sum(nil))
}
