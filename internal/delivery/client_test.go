package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mailsink-io/mailsink/internal/models"
)

func testAlert(route string) *models.Alert {
	return &models.Alert{
		ID:         "alert_1_101",
		UID:        "101",
		Subject:    "Delay on Line 3",
		Body:       "Expect 20 minute delays.",
		Sender:     "alerts@transit.gov",
		ReceivedAt: time.Date(2025, 5, 6, 9, 8, 9, 0, time.FixedZone("CEST", 2*3600)),
		Type:       models.AlertTypeEmail,
		Route:      route,
	}
}

func quietClient(baseURL, token string, timeout time.Duration) *Client {
	return NewClient(
		Config{BaseURL: baseURL, Token: token, Timeout: timeout},
		WithLogger(log.New(&bytes.Buffer{}, "", 0)),
	)
}

func TestDeliverSuccess(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotHeader http.Header
		gotBody   payload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotHeader = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success":true,"message":"created","alert_id":"42"}`))
	}))
	defer srv.Close()

	out := quietClient(srv.URL, "secret-token", 0).Deliver(context.Background(), testAlert("/commute_alert"))

	require.True(t, out.Success)
	require.False(t, out.Retryable)
	require.False(t, out.Fatal())
	require.Equal(t, http.StatusOK, out.StatusCode)
	require.Equal(t, "42", out.AlertID)
	require.Equal(t, "created", out.Message)
	require.NoError(t, out.Err)

	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "/commute_alert", gotPath)
	require.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	require.Equal(t, "secret-token", gotHeader.Get("X-Token"))
	require.NotEmpty(t, gotHeader.Get("X-Request-ID"))

	require.Equal(t, "101", gotBody.UID)
	require.Equal(t, "Delay on Line 3", gotBody.Subject)
	require.Equal(t, "Expect 20 minute delays.", gotBody.Body)
	require.Equal(t, "alerts@transit.gov", gotBody.Sender)
	require.Equal(t, "2025-05-06T07:08:09Z", gotBody.Date)
	require.Equal(t, models.AlertTypeEmail, gotBody.AlertType)
}

func TestDeliverFatalOnClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	out := quietClient(srv.URL, "", 0).Deliver(context.Background(), testAlert("/commute_alert"))

	require.False(t, out.Success)
	require.False(t, out.Retryable)
	require.True(t, out.Fatal())
	require.Equal(t, http.StatusUnprocessableEntity, out.StatusCode)
	require.ErrorContains(t, out.Err, "HTTP 422")
	require.Equal(t, "bad payload", out.Message)
}

func TestDeliverRetryableOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	out := quietClient(srv.URL, "", 0).Deliver(context.Background(), testAlert("/commute_alert"))

	require.False(t, out.Success)
	require.True(t, out.Retryable)
	require.False(t, out.Fatal())
	require.Equal(t, http.StatusServiceUnavailable, out.StatusCode)
	require.ErrorContains(t, out.Err, "HTTP 503")
}

func TestDeliverRetryableOnConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	out := quietClient(srv.URL, "", 0).Deliver(context.Background(), testAlert("/commute_alert"))

	require.False(t, out.Success)
	require.True(t, out.Retryable)
	require.Error(t, out.Err)
}

func TestDeliverRetryableOnTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	out := quietClient(srv.URL, "", 50*time.Millisecond).Deliver(context.Background(), testAlert("/commute_alert"))

	require.False(t, out.Success)
	require.True(t, out.Retryable)
	require.Error(t, out.Err)
}

func TestDeliverOmitsTokenWhenUnset(t *testing.T) {
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	out := quietClient(srv.URL, "", 0).Deliver(context.Background(), testAlert("/commute_alert"))
	require.True(t, out.Success)

	_, present := gotHeader["X-Token"]
	require.False(t, present)
}

func TestDeliverNormalizesRoute(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	out := quietClient(srv.URL+"/", "", 0).Deliver(context.Background(), testAlert("weather_alert"))
	require.True(t, out.Success)
	require.Equal(t, "/weather_alert", gotPath)
}

func TestDeliverToleratesNonJSONAck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	out := quietClient(srv.URL, "", 0).Deliver(context.Background(), testAlert("/commute_alert"))
	require.True(t, out.Success)
	require.Empty(t, out.AlertID)
}
