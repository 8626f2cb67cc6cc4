package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPNotifier(t *testing.T) {
	received := make(chan Notification, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n Notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- n
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL, time.Second)
	require.NoError(t, n.SendNotification(context.Background(), "APPROVED", []string{"/a.json", "/b.json"}))

	got := <-received
	assert.Equal(t, "APPROVED", got.EventType)
	assert.Equal(t, []string{"/a.json", "/b.json"}, got.URIs)
}

func TestHTTPNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTPNotifier(srv.URL, time.Second).SendNotification(context.Background(), "PUBLISHED", nil)
	assert.ErrorContains(t, err, "502")
}
