package beanbag

import (
	"fmt"
	"strconv"

	"github.com/securemtr/go-beanbag/internal/domain"
)

// Gateway is one controllable device discovered during login.
type Gateway struct {
	GatewayID    string         `json:"gateway_id"`
	SerialNumber string         `json:"serial_number,omitempty"`
	HostName     string         `json:"host_name,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

// Session is the authenticated context returned by login. It is
// immutable; reconnecting creates a new Session.
type Session struct {
	UserID         int       `json:"user_id"`
	SessionID      string    `json:"session_id"`
	Token          string    `json:"token"`
	TokenTimestamp *int64    `json:"token_timestamp,omitempty"`
	Gateways       []Gateway `json:"gateways"`

	// SkippedGateways counts login gateway entries that were not
	// objects and were dropped during parsing.
	SkippedGateways int `json:"-"`
}

// capabilityKeys are the vendor codes copied through from a gateway
// record without interpretation.
var capabilityKeys = []string{"CS", "UR", "HI", "DT", "DN"}

func parseGateway(raw map[string]any) Gateway {
	gateway := Gateway{
		GatewayID:    fmt.Sprintf("%v", raw["GMI"]),
		Capabilities: map[string]any{},
	}
	if raw["GMI"] == nil {
		gateway.GatewayID = ""
	}
	if serial, ok := raw["SN"].(string); ok {
		gateway.SerialNumber = serial
	}
	if host, ok := raw["HN"].(string); ok {
		gateway.HostName = host
	}
	for _, key := range capabilityKeys {
		if value, ok := raw[key]; ok {
			gateway.Capabilities[key] = value
		}
	}
	return gateway
}

// parseSession extracts the session fields from the login data block.
func parseSession(data map[string]any) (*Session, error) {
	sessionRaw, ok := data["SI"]
	if !ok || sessionRaw == nil {
		return nil, fmt.Errorf("%w: login response missing session id", domain.ErrAuthentication)
	}
	userID, ok := asInt(data["UI"])
	if !ok {
		return nil, fmt.Errorf("%w: login response missing user id", domain.ErrAuthentication)
	}
	token, ok := data["JT"].(string)
	if !ok || token == "" {
		return nil, fmt.Errorf("%w: login response missing token", domain.ErrAuthentication)
	}

	session := &Session{
		UserID:    userID,
		SessionID: fmt.Sprintf("%v", sessionRaw),
		Token:     token,
	}
	if timestamp, ok := asInt(data["JTT"]); ok {
		value := int64(timestamp)
		session.TokenTimestamp = &value
	}

	// A gateway collection that is present but not a list degrades to
	// empty rather than failing the login.
	if gatewaysRaw, ok := data["GD"].([]any); ok {
		for _, entry := range gatewaysRaw {
			record, ok := entry.(map[string]any)
			if !ok {
				session.SkippedGateways++
				continue
			}
			session.Gateways = append(session.Gateways, parseGateway(record))
		}
	}
	return session, nil
}

// asInt coerces the loosely typed vendor payload values. Numeric
// strings are accepted because the API is inconsistent about them.
func asInt(value any) (int, bool) {
	switch number := value.(type) {
	case int:
		return number, true
	case int64:
		return int(number), true
	case float64:
		if number != float64(int(number)) {
			return 0, false
		}
		return int(number), true
	case string:
		parsed, err := strconv.Atoi(number)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
