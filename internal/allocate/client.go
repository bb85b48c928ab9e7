// Package allocate is the client for the room-allocation backend. The core
// only consumes the JSON response; everything else about the backend is out
// of scope.
package allocate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/rtcsig/internal/domain"
)

type Request struct {
	Token     string         `json:"-"`
	RoutingID string         `json:"routing_id"`
	Event     domain.Kind    `json:"event_type"`
	TraceID   domain.TraceID `json:"trace_id"`
	RoomName  string         `json:"room_name,omitempty"`
}

type Response struct {
	RoomID              domain.RoomID `json:"room_id"`
	RoomToken           string        `json:"room_token"`
	RoomTokenExpiryTime string        `json:"room_token_expiry_time"`
	RTCServer           string        `json:"rtc_server"`
	RootNodeID          string        `json:"root_node_id,omitempty"`
	ChildNodeID         string        `json:"child_node_id,omitempty"`
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Allocate requests a room. Any non-2xx response is an allocation failure.
func (c *Client) Allocate(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode allocate request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/rooms", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build allocate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	httpReq.Header.Set("Trace-Id", string(req.TraceID))

	res, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("allocate room: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		log.Error().Str("module", "allocate").Int("status", res.StatusCode).Str("traceid", string(req.TraceID)).Msg("allocation failed")
		return nil, &domain.SessionError{
			Kind:    domain.ErrBackend,
			Message: fmt.Sprintf("room allocation returned %d", res.StatusCode),
		}
	}
	var out Response
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode allocate response: %w", err)
	}
	log.Info().Str("module", "allocate").Str("room", string(out.RoomID)).Str("rtc_server", out.RTCServer).Msg("room allocated")
	return &out, nil
}
