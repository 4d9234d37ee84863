package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) *transport.Client {
	client, err := transport.NewClient(time.Second, 0)
	require.NoError(t, err)
	return client
}

func TestWebhookNotifier_ReturnsMessageId(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		_, _ = w.Write([]byte(`{"message_id": "m-42"}`))
	}))
	defer srv.Close()

	n := NewWebhookNotifier(models.NotifierConfig{WebhookUrl: srv.URL}, newClient(t))
	order := &models.Order{Id: 7, UserId: "u1", Status: models.StatusAwaitingPayment}

	id, err := n.NotifyUser(context.Background(), Message{Event: EventInvoiceCreated, UserId: "u1", Order: order, MinutesLeft: 45})
	require.NoError(t, err)
	assert.Equal(t, "m-42", id)
	assert.Equal(t, "invoice_created", received["event"])
	assert.Equal(t, "u1", received["user_id"])
	assert.EqualValues(t, 45, received["minutes_left"])
	assert.NotEmpty(t, received["id"])
}

func TestWebhookNotifier_KeepsPreviousMessageId(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(models.NotifierConfig{WebhookUrl: srv.URL}, newClient(t))
	id, err := n.NotifyUser(context.Background(), Message{Event: EventInvoiceUpdated, UserId: "u1", MessageId: "m-1"})
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)
}

func TestWebhookNotifier_AdminAlert(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
	}))
	defer srv.Close()

	n := NewWebhookNotifier(models.NotifierConfig{AdminWebhookUrl: srv.URL}, newClient(t))
	require.NoError(t, n.NotifyAdmin(context.Background(), "keys out of stock"))
	assert.Equal(t, "admin_alert", received["event"])
	assert.Equal(t, "keys out of stock", received["text"])
}

func TestWebhookNotifier_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(models.NotifierConfig{WebhookUrl: srv.URL}, newClient(t))
	_, err := n.NotifyUser(context.Background(), Message{Event: EventPaymentFailed})
	assert.Error(t, err)
}

func TestWebhookNotifier_FallsBackToLog(t *testing.T) {
	n := NewWebhookNotifier(models.NotifierConfig{}, newClient(t))
	id, err := n.NotifyUser(context.Background(), Message{Event: EventInvoiceExpired, MessageId: "m-3"})
	require.NoError(t, err)
	assert.Equal(t, "m-3", id)
	assert.NoError(t, n.NotifyAdmin(context.Background(), "hello"))
}
