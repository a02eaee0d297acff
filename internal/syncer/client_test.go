package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/clawtrace/internal/usage/domain"
)

func TestClientIngestSendsBearerAndDecodesAck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/ingest", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body domain.IngestRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, identity.DeviceID, body.DeviceID)
		_ = json.NewEncoder(w).Encode(domain.IngestAck{BatchID: "b1", Accepted: len(body.Events)})
	}))
	defer srv.Close()

	ack, err := NewClient(srv.URL, time.Second).Ingest(context.Background(), identity, []domain.UsageEvent{{SessionID: "s"}})
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Accepted)
	assert.Equal(t, "b1", ack.BatchID)
}

func TestClientClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"type":"unauthorized","message":"bad secret"}}`, ErrUnauthorized},
		{"tier", http.StatusForbidden, `{"error":{"type":"tier_exceeded","message":"project limit"}}`, ErrTierExceeded},
		{"server error", http.StatusBadGateway, `oops`, ErrTransient},
		{"rate limited", http.StatusTooManyRequests, `{}`, ErrTransient},
		{"bad request", http.StatusBadRequest, `{"error":{"type":"invalid_request","message":"bad"}}`, ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, time.Second).Ingest(context.Background(), identity, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClientTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, 20*time.Millisecond).Ingest(context.Background(), identity, nil)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestClientConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, time.Second).Register(context.Background())
	assert.ErrorIs(t, err, ErrTransient)
}

func TestClientClaimSendsOperatorKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/claim", r.URL.Path)
		assert.Equal(t, "op_key", r.Header.Get(domain.HeaderClaimKey))
		assert.Empty(t, r.Header.Get("Authorization"))
		var body domain.ClaimRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "pi_42", body.PaymentReference)
		_ = json.NewEncoder(w).Encode(domain.ClaimResponse{DeviceID: body.DeviceID, Tier: body.Tier, Changed: true})
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL, time.Second).Claim(context.Background(), "op_key", domain.ClaimRequest{
		DeviceID: identity.DeviceID, Tier: "pro", PaymentReference: "pi_42",
	})
	require.NoError(t, err)
	assert.True(t, resp.Changed)
	assert.Equal(t, "pro", resp.Tier)
}
