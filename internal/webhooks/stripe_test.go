package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/inaiurai/credits/internal/jobs"
	"github.com/inaiurai/credits/internal/models"
	"github.com/inaiurai/credits/internal/repository/memory"
)

const secret = "whsec_test_secret"

type queue struct {
	args []river.JobArgs
	err  error
}

func (q *queue) insert(_ context.Context, _ pgx.Tx, args river.JobArgs) error {
	if q.err != nil {
		return q.err
	}
	q.args = append(q.args, args)
	return nil
}

func signedRequest(t *testing.T, payload string) *http.Request {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func newHandler() (*StripeHandler, *memory.Store, *queue) {
	store := memory.NewStore()
	q := &queue{}
	return NewStripeHandler(secret, store, store.Events(), q.insert, nil), store, q
}

const checkoutEvent = `{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","mode":"payment","payment_intent":"pi_1"}}}`

func TestStripeHandler_StoresAndEnqueues(t *testing.T) {
	h, store, q := newHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, checkoutEvent))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ev, err := store.Events().GetByID(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "checkout.session.completed", ev.Type)
	assert.JSONEq(t, `{"id":"cs_1","mode":"payment","payment_intent":"pi_1"}`, string(ev.Payload))
	require.Len(t, q.args, 1)
	assert.Equal(t, jobs.ProcessPaymentEventArgs{EventID: "evt_1"}, q.args[0])
}

func TestStripeHandler_DuplicateDeliveryAcknowledged(t *testing.T) {
	h, _, q := newHandler()

	h.ServeHTTP(httptest.NewRecorder(), signedRequest(t, checkoutEvent))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, checkoutEvent))
	require.Equal(t, http.StatusOK, rec.Code)

	var body receivedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Duplicate)
	assert.Len(t, q.args, 1, "no second job for a redelivery")
}

func TestStripeHandler_RejectsBadSignature(t *testing.T) {
	h, store, q := newHandler()

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader([]byte(checkoutEvent)))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader([]byte(checkoutEvent)))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, err := store.Events().GetByID(context.Background(), "evt_1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Empty(t, q.args)
}

func TestStripeHandler_IgnoresUnhandledTypes(t *testing.T) {
	h, store, q := newHandler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, `{"id":"evt_2","object":"event","type":"customer.created","data":{"object":{"id":"cus_1"}}}`))
	assert.Equal(t, http.StatusOK, rec.Code)
	_, err := store.Events().GetByID(context.Background(), "evt_2")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Empty(t, q.args)
}

func TestStripeHandler_EnqueueFailureRollsBack(t *testing.T) {
	h, store, q := newHandler()
	q.err = errors.New("queue down")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, checkoutEvent))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "queue down")

	_, err := store.Events().GetByID(context.Background(), "evt_1")
	assert.ErrorIs(t, err, models.ErrNotFound, "the redelivery must be able to store it again")
}

func TestStripeHandler_MethodAndSecret(t *testing.T) {
	h, _, _ := newHandler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/webhooks/stripe", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	store := memory.NewStore()
	unconfigured := NewStripeHandler("", store, store.Events(), (&queue{}).insert, nil)
	rec = httptest.NewRecorder()
	unconfigured.ServeHTTP(rec, signedRequest(t, checkoutEvent))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
