package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// maxMessageSize bounds a single inbound frame or auth response.
const maxMessageSize = 1 << 20

// Transport is one established chat connection exchanging JSON envelopes.
type Transport interface {
	WriteJSON(ctx context.Context, v any) error
	ReadJSON(ctx context.Context, v any) error
	Close() error
}

// Dialer opens a [Transport] to rawURL.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Transport, error)
}

// Authorizer obtains a session credential for a new connection.
type Authorizer interface {
	Authorize(ctx context.Context) (token string, err error)
}

// WebSocketDialer is the default [Dialer].
type WebSocketDialer struct {
	// HTTPClient is used for the upgrade request. Nil uses http.DefaultClient.
	HTTPClient *http.Client
}

// Dial implements [Dialer].
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteJSON(ctx context.Context, v any) error {
	return wsjson.Write(ctx, t.conn, v)
}

func (t *wsTransport) ReadJSON(ctx context.Context, v any) error {
	return wsjson.Read(ctx, t.conn, v)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "bye")
}

// HTTPAuthorizer obtains an access token by POSTing a fresh user id to URL.
type HTTPAuthorizer struct {
	URL     string
	APIKey  string
	Headers map[string]string
	Client  *http.Client
}

type authorizeRequest struct {
	UserID string `json:"user_id"`
}

type authorizeResponse struct {
	AccessToken string `json:"access_token"`
}

// Authorize implements [Authorizer].
func (a *HTTPAuthorizer) Authorize(ctx context.Context) (string, error) {
	body, err := json.Marshal(authorizeRequest{UserID: uuid.NewString()})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create authorize request: %w", err)
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Content-Type", "application/json")
	if a.APIKey != "" {
		req.Header.Set("x-api-key", a.APIKey)
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}

	client := a.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return "", fmt.Errorf("read authorize response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("authorize: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out authorizeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode authorize response: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("authorize: response has no access_token")
	}
	return out.AccessToken, nil
}
