package allocate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/rtcsig/internal/domain"
)

func TestAllocate(t *testing.T) {
	var got Request
	var auth, trace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/rooms", r.URL.Path)
		auth = r.Header.Get("Authorization")
		trace = r.Header.Get("Trace-Id")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(Response{
			RoomID:              "room-1",
			RoomToken:           "tok-1",
			RoomTokenExpiryTime: "1700000000",
			RTCServer:           "rtc.example.test",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	res, err := c.Allocate(context.Background(), Request{
		Token:     "secret",
		RoutingID: "routing-1",
		Event:     domain.KindVideo,
		TraceID:   "trace-1",
		RoomName:  "standup",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.RoomID("room-1"), res.RoomID)
	assert.Equal(t, "tok-1", res.RoomToken)
	assert.Equal(t, "rtc.example.test", res.RTCServer)

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "trace-1", trace)
	assert.Equal(t, "routing-1", got.RoutingID)
	assert.Equal(t, domain.KindVideo, got.Event)
	assert.Equal(t, "standup", got.RoomName)
	// The bearer token never travels in the body.
	assert.Empty(t, got.Token)
}

func TestAllocateBackendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Allocate(context.Background(), Request{RoutingID: "r", Event: domain.KindVideo})
	require.Error(t, err)

	var serr *domain.SessionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, domain.ErrBackend, serr.Kind)
}
