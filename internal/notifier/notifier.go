package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/transport"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event names a user facing notification
type Event string

const (
	EventInvoiceCreated  Event = "invoice_created"
	EventInvoiceUpdated  Event = "invoice_updated"
	EventInvoiceExpired  Event = "invoice_expired"
	EventPaymentReceived Event = "payment_received"
	EventPaymentNoKey    Event = "payment_received_no_key"
	EventPaymentFailed   Event = "payment_failed"
	EventAdminAlert      Event = "admin_alert"
)

// Message is a notification about one order. MessageId, when set, asks the receiver to
// replace a message it sent earlier instead of sending a new one.
type Message struct {
	Event       Event         `json:"event"`
	UserId      string        `json:"user_id"`
	Order       *models.Order `json:"order,omitempty"`
	MessageId   string        `json:"message_id,omitempty"`
	MinutesLeft int           `json:"minutes_left,omitempty"`
}

// Notifier delivers user messages and operator alerts
type Notifier interface {
	// NotifyUser returns the id of the delivered message, if the receiver reports one
	NotifyUser(ctx context.Context, msg Message) (string, error)
	NotifyAdmin(ctx context.Context, text string) error
}

// LogNotifier writes notifications to the log only
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) NotifyUser(_ context.Context, msg Message) (string, error) {
	fields := []zap.Field{
		zap.String("event", string(msg.Event)),
		zap.String("user_id", msg.UserId),
	}
	if msg.Order != nil {
		fields = append(fields, zap.Int64("order_id", msg.Order.Id), zap.String("status", string(msg.Order.Status)))
		if msg.Order.Payment != nil {
			fields = append(fields,
				zap.String("asset", msg.Order.Payment.Asset),
				zap.String("network", msg.Order.Payment.Network),
				zap.String("amount", msg.Order.Payment.AmountText),
				zap.String("address", msg.Order.Payment.Address))
		}
	}
	if msg.MinutesLeft > 0 {
		fields = append(fields, zap.Int("minutes_left", msg.MinutesLeft))
	}
	zap.L().Info("User notification", fields...)
	return msg.MessageId, nil
}

func (n *LogNotifier) NotifyAdmin(_ context.Context, text string) error {
	zap.L().Warn("Admin alert", zap.String("text", text))
	return nil
}

type webhookEnvelope struct {
	Id        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Message
	Text string `json:"text,omitempty"`
}

type webhookResponse struct {
	MessageId string `json:"message_id"`
}

// WebhookNotifier posts notifications as JSON to the configured webhooks. Without a URL the
// corresponding notifications fall back to the log.
type WebhookNotifier struct {
	http     *transport.Client
	userUrl  string
	adminUrl string
	fallback *LogNotifier
}

func NewWebhookNotifier(cfg models.NotifierConfig, client *transport.Client) *WebhookNotifier {
	return &WebhookNotifier{
		http:     client,
		userUrl:  cfg.WebhookUrl,
		adminUrl: cfg.AdminWebhookUrl,
		fallback: NewLogNotifier(),
	}
}

func (n *WebhookNotifier) NotifyUser(ctx context.Context, msg Message) (string, error) {
	if n.userUrl == "" {
		return n.fallback.NotifyUser(ctx, msg)
	}

	var resp webhookResponse
	if err := n.post(ctx, n.userUrl, webhookEnvelope{Message: msg}, &resp); err != nil {
		return "", fmt.Errorf("failed to deliver %s notification: %w", msg.Event, err)
	}
	if resp.MessageId == "" {
		return msg.MessageId, nil
	}
	return resp.MessageId, nil
}

func (n *WebhookNotifier) NotifyAdmin(ctx context.Context, text string) error {
	if n.adminUrl == "" {
		return n.fallback.NotifyAdmin(ctx, text)
	}
	envelope := webhookEnvelope{Message: Message{Event: EventAdminAlert}, Text: text}
	if err := n.post(ctx, n.adminUrl, envelope, nil); err != nil {
		return fmt.Errorf("failed to deliver admin alert: %w", err)
	}
	return nil
}

func (n *WebhookNotifier) post(ctx context.Context, url string, envelope webhookEnvelope, out any) error {
	envelope.Id = uuid.New().String()
	envelope.CreatedAt = time.Now().UTC()
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	return n.http.PostJson(ctx, url, nil, bytes.NewReader(body), out)
}
