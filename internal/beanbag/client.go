// Package beanbag implements the client for the Beanbag cloud backend:
// REST login, the correlated request/reply WebSocket channel and one
// typed method per vendor command.
package beanbag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/securemtr/go-beanbag/internal/domain"
)

const (
	// DefaultBaseURL is the production REST endpoint.
	DefaultBaseURL = "https://app.beanbag.online"

	// Subprotocol is the WebSocket sub-protocol token the backend expects.
	Subprotocol = "BB-BO-01"

	loginPath = "/api/UserRestAPI/LoginRequest"
	wsPath    = "/api/TransactionRestAPI/ConnectWebSocket"

	// requestID is a fixed header value; the API ignores its content
	// but rejects requests without it.
	requestID = "1"

	loginOperation = 1550005
)

// Client coordinates REST and WebSocket access to the Beanbag API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     zerolog.Logger

	// Overridable for deterministic tests.
	now      func() time.Time
	randomID func() uint32
}

// NewClient creates a client for the given REST base URL. An empty
// base URL selects the production endpoint.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: trimTrailingSlash(baseURL),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
			Subprotocols:     []string{Subprotocol},
		},
		logger:   log.With().Str("component", "beanbag").Logger(),
		now:      time.Now,
		randomID: rand.Uint32,
	}
}

func trimTrailingSlash(base string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base
}

func validDigest(digest string) bool {
	if len(digest) != 32 {
		return false
	}
	for _, ch := range digest {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'f':
		case ch >= 'A' && ch <= 'F':
		default:
			return false
		}
	}
	return true
}

// Login authenticates against the REST API and returns the session
// context. The password digest must already be hashed: exactly 32 hex
// characters, rejected before any network call otherwise.
func (c *Client) Login(ctx context.Context, email, passwordDigest string) (*Session, error) {
	if email == "" {
		return nil, fmt.Errorf("%w: email address must be provided for login", domain.ErrValidation)
	}
	if !validDigest(passwordDigest) {
		return nil, fmt.Errorf("%w: password digest must be a 32-character hexadecimal string", domain.ErrValidation)
	}

	payload := map[string]any{
		"ULC": map[string]any{
			"OI":  loginOperation,
			"P":   passwordDigest,
			"NT":  "SetLogin",
			"UEI": email,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode login payload: %v", domain.ErrAuthentication, err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build login request: %v", domain.ErrAuthentication, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Request-id", requestID)

	c.logger.Info().Str("email", email).Msg("Starting login request")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: login request failed: %v", domain.ErrAuthentication, err)
	}
	defer response.Body.Close()

	var reply map[string]any
	if err := json.NewDecoder(response.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("%w: decode login response: %v", domain.ErrAuthentication, err)
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected HTTP status %d during login", domain.ErrAuthentication, response.StatusCode)
	}
	if indicator, _ := reply["RI"].(string); indicator != "1" {
		return nil, fmt.Errorf("%w: login rejected by server", domain.ErrAuthentication)
	}
	data, ok := reply["D"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: login payload missing session data", domain.ErrAuthentication)
	}

	session, err := parseSession(data)
	if err != nil {
		return nil, err
	}
	if session.SkippedGateways > 0 {
		c.logger.Warn().Int("skipped", session.SkippedGateways).Msg("Dropped malformed gateway records from login response")
	}

	c.logger.Info().Str("email", email).Int("gateways", len(session.Gateways)).Msg("Login succeeded")
	return session, nil
}

// wsURL maps the REST base URL onto the WebSocket endpoint.
func (c *Client) wsURL() (string, error) {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("%w: parse base URL: %v", domain.ErrConnection, err)
	}
	if parsed.Scheme == "https" {
		parsed.Scheme = "wss"
	} else {
		parsed.Scheme = "ws"
	}
	parsed.Path = wsPath
	return parsed.String(), nil
}

// Connect opens the WebSocket channel for an authenticated session.
func (c *Client) Connect(ctx context.Context, session *Session) (*Conn, error) {
	endpoint, err := c.wsURL()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+session.Token)
	header.Set("Session-id", session.SessionID)
	header.Set("Request-id", requestID)

	c.logger.Info().Str("session_id", session.SessionID).Msg("Opening WebSocket")

	ws, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: WebSocket connection failed: %v", domain.ErrConnection, err)
	}

	c.logger.Info().Str("session_id", session.SessionID).Msg("WebSocket connected")

	return &Conn{
		ws:       ws,
		session:  session,
		logger:   c.logger.With().Str("session_id", session.SessionID).Logger(),
		now:      c.now,
		randomID: c.randomID,
	}, nil
}

// LoginAndConnect runs the login flow and immediately opens the
// WebSocket channel.
func (c *Client) LoginAndConnect(ctx context.Context, email, passwordDigest string) (*Session, *Conn, error) {
	session, err := c.Login(ctx, email, passwordDigest)
	if err != nil {
		return nil, nil, err
	}
	conn, err := c.Connect(ctx, session)
	if err != nil {
		return nil, nil, err
	}
	return session, conn, nil
}
