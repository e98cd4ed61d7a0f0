package beanbag

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/securemtr/go-beanbag/internal/domain"
)

// protocolVersion is carried in every request envelope.
const protocolVersion = "1.0"

// Conn is a single request/reply channel bound to one session. It is
// not safe for concurrent requests: callers sharing a Conn must
// serialize their request/reply pairs.
type Conn struct {
	ws      *websocket.Conn
	session *Session
	logger  zerolog.Logger

	now      func() time.Time
	randomID func() uint32

	closeOnce sync.Once
	closeErr  error
}

// Session returns the session this connection is bound to.
func (c *Conn) Session() *Session {
	return c.session
}

// Close tears the channel down. A pending Request unblocks with a
// connection error.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// envelope is the request frame sent for every command.
type envelope struct {
	Version       string `json:"V"`
	Timestamp     int64  `json:"DTS"`
	CorrelationID string `json:"I"`
	Method        string `json:"M"`
	Params        []any  `json:"P"`
}

// Request performs one correlated command exchange. The first param is
// always the gateway/header triple; args, when non-nil, ride as the
// second param. Frames for other correlation ids and Notify frames are
// skipped. The wait is unbounded unless ctx carries a deadline; an
// expired deadline surfaces as a connection error.
func (c *Conn) Request(ctx context.Context, gatewayID string, headerHi, headerSi int, args any) (any, error) {
	correlationID := fmt.Sprintf("%s-%08x", c.session.SessionID, c.randomID())

	params := []any{map[string]any{"GMI": gatewayID, "HI": headerHi, "SI": headerSi}}
	if args != nil {
		params = append(params, args)
	}
	request := envelope{
		Version:       protocolVersion,
		Timestamp:     c.now().Unix(),
		CorrelationID: correlationID,
		Method:        "Request",
		Params:        params,
	}

	deadline := time.Time{}
	if value, ok := ctx.Deadline(); ok {
		deadline = value
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: set write deadline: %v", domain.ErrConnection, err)
	}
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: set read deadline: %v", domain.ErrConnection, err)
	}

	if err := c.ws.WriteJSON(request); err != nil {
		return nil, fmt.Errorf("%w: send request %d/%d: %v", domain.ErrConnection, headerHi, headerSi, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrConnection, err)
		}

		var frame any
		if err := c.ws.ReadJSON(&frame); err != nil {
			return nil, fmt.Errorf("%w: receive reply %d/%d: %v", domain.ErrConnection, headerHi, headerSi, err)
		}

		reply, ok := frame.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := reply["I"].(string); !ok || id != correlationID {
			continue
		}
		if result, ok := reply["R"]; ok {
			return result, nil
		}
		if method, ok := reply["M"].(string); ok && method == "Notify" {
			c.logger.Debug().Str("correlation_id", correlationID).Msg("Skipping Notify frame")
			continue
		}
		return nil, fmt.Errorf("%w: reply %s carries no result", domain.ErrProtocol, correlationID)
	}
}
