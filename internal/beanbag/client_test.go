package beanbag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/securemtr/go-beanbag/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDigest = "0123456789abcdef0123456789abcdef"

func loginServer(t *testing.T, status int, body any, requests *[]map[string]any) *Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/UserRestAPI/LoginRequest", r.URL.Path)
		assert.Equal(t, "1", r.Header.Get("Request-id"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		if requests != nil {
			*requests = append(*requests, payload)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		require.NoError(t, json.NewEncoder(w).Encode(body))
	}))
	t.Cleanup(server.Close)
	return NewClient(server.URL)
}

func TestLoginParsesSessionAndGateways(t *testing.T) {
	var requests []map[string]any
	client := loginServer(t, http.StatusOK, map[string]any{
		"RI": "1",
		"D": map[string]any{
			"SI": 12345,
			"UI": 77,
			"JT": "token-abc",
			"GD": []any{
				map[string]any{
					"GMI": "gateway-1",
					"SN":  7,
					"HN":  "host-name",
					"CS":  4,
					"UR":  1,
				},
				"not-a-gateway",
			},
		},
	}, &requests)

	session, err := client.Login(context.Background(), "user@example.com", testDigest)
	require.NoError(t, err)

	assert.Equal(t, 77, session.UserID)
	assert.Equal(t, "12345", session.SessionID)
	assert.Equal(t, "token-abc", session.Token)
	assert.Nil(t, session.TokenTimestamp)
	assert.Equal(t, 1, session.SkippedGateways)

	require.Len(t, session.Gateways, 1)
	gateway := session.Gateways[0]
	assert.Equal(t, "gateway-1", gateway.GatewayID)
	assert.Empty(t, gateway.SerialNumber, "numeric serial numbers are dropped")
	assert.Equal(t, "host-name", gateway.HostName)
	assert.Equal(t, map[string]any{"CS": float64(4), "UR": float64(1)}, gateway.Capabilities)

	require.Len(t, requests, 1)
	ulc, ok := requests[0]["ULC"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user@example.com", ulc["UEI"])
	assert.Equal(t, testDigest, ulc["P"])
	assert.Equal(t, "SetLogin", ulc["NT"])
	assert.Equal(t, float64(1550005), ulc["OI"])
}

func TestLoginParsesTokenTimestamp(t *testing.T) {
	client := loginServer(t, http.StatusOK, map[string]any{
		"RI": "1",
		"D":  map[string]any{"SI": "abc", "UI": 1, "JT": "jwt", "JTT": 1700000000},
	}, nil)

	session, err := client.Login(context.Background(), "user@example.com", testDigest)
	require.NoError(t, err)
	require.NotNil(t, session.TokenTimestamp)
	assert.Equal(t, int64(1700000000), *session.TokenTimestamp)
}

func TestLoginRejectsBadInputWithoutNetworkCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no network call expected")
	}))
	t.Cleanup(server.Close)
	client := NewClient(server.URL)

	_, err := client.Login(context.Background(), "", testDigest)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = client.Login(context.Background(), "user@example.com", "bad-digest")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = client.Login(context.Background(), "user@example.com", "0123456789abcdef0123456789abcdeg")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestLoginTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := NewClient(server.URL)
	server.Close()

	_, err := client.Login(context.Background(), "user@example.com", testDigest)
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestLoginRejectsUnexpectedStatus(t *testing.T) {
	client := loginServer(t, http.StatusInternalServerError, map[string]any{"RI": "0"}, nil)
	_, err := client.Login(context.Background(), "user@example.com", testDigest)
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestLoginRejectsFailureIndicator(t *testing.T) {
	client := loginServer(t, http.StatusOK, map[string]any{"RI": "0", "D": map[string]any{}}, nil)
	_, err := client.Login(context.Background(), "user@example.com", testDigest)
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestLoginRequiresDataBlock(t *testing.T) {
	client := loginServer(t, http.StatusOK, map[string]any{"RI": "1", "D": nil}, nil)
	_, err := client.Login(context.Background(), "user@example.com", testDigest)
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestLoginRequiresMandatoryFields(t *testing.T) {
	client := loginServer(t, http.StatusOK, map[string]any{"RI": "1", "D": map[string]any{"UI": 2}}, nil)
	_, err := client.Login(context.Background(), "user@example.com", testDigest)
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestLoginTreatsNonListGatewaysAsEmpty(t *testing.T) {
	client := loginServer(t, http.StatusOK, map[string]any{
		"RI": "1",
		"D":  map[string]any{"SI": "abc", "UI": 1, "JT": "jwt", "GD": "unexpected"},
	}, nil)

	session, err := client.Login(context.Background(), "user@example.com", testDigest)
	require.NoError(t, err)
	assert.Empty(t, session.Gateways)
}

func TestWSURLMapsScheme(t *testing.T) {
	assert.Equal(t,
		"wss://app.beanbag.online/api/TransactionRestAPI/ConnectWebSocket",
		mustWSURL(t, NewClient("https://app.beanbag.online")))
	assert.Equal(t,
		"ws://127.0.0.1:9000/api/TransactionRestAPI/ConnectWebSocket",
		mustWSURL(t, NewClient("http://127.0.0.1:9000")))
}

func mustWSURL(t *testing.T, client *Client) string {
	t.Helper()
	endpoint, err := client.wsURL()
	require.NoError(t, err)
	return endpoint
}
