// Package poweb is a JSON-over-HTTP implementation of
// registrar.PoWebClient. It plays the same role for the registrar
// that pkg/agent/transport/http plays for the handshake client: a
// concrete wire format chosen because the consumed interface doesn't
// mandate one, POSTing JSON bodies and reading JSON responses rather
// than framing a custom binary protocol.
package poweb

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relaynet/gateway-core/keystore"
	"github.com/relaynet/gateway-core/registrar"
)

// Client is an HTTP-backed registrar.PoWebClient.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL (e.g. "https://gateway.example.com").
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

// NewFactory adapts New into a registrar.ClientFactory. publicAddress
// is used directly as the base URL: resolving a logical gateway
// address to a dialable endpoint is left to whatever the caller
// passes in as publicAddress.
func NewFactory(httpClient *http.Client) registrar.ClientFactory {
	return func(ctx context.Context, publicAddress string) (registrar.PoWebClient, error) {
		return New(publicAddress, httpClient), nil
	}
}

type preRegisterRequest struct {
	PublicKey string `json:"publicKey"`
}

type preRegisterResponse struct {
	Authorization string `json:"authorization"`
}

// PreRegisterNode posts the candidate public key to
// {baseURL}/v1/pre-registrations and returns the opaque authorization
// token the server hands back.
func (c *Client) PreRegisterNode(ctx context.Context, publicKey ed25519.PublicKey) ([]byte, error) {
	body, err := json.Marshal(preRegisterRequest{PublicKey: base64.StdEncoding.EncodeToString(publicKey)})
	if err != nil {
		return nil, fmt.Errorf("marshal pre-registration request: %w", err)
	}

	var resp preRegisterResponse
	if err := c.doJSON(ctx, "/v1/pre-registrations", body, &resp); err != nil {
		return nil, err
	}

	authorization, err := base64.StdEncoding.DecodeString(resp.Authorization)
	if err != nil {
		return nil, fmt.Errorf("decode pre-registration authorization: %w", err)
	}
	return authorization, nil
}

type registerRequest struct {
	PublicKey                 string `json:"publicKey"`
	RegistrationAuthorization string `json:"registrationAuthorization"`
	Signature                 string `json:"signature"`
}

type registerResponse struct {
	PrivateNodeCertificate           string `json:"privateNodeCertificate"`
	PublicGatewayIdentityCertificate string `json:"publicGatewayIdentityCertificate"`
}

// RegisterNode posts the signed registration request to
// {baseURL}/v1/nodes and parses the two certificates returned.
func (c *Client) RegisterNode(ctx context.Context, req registrar.PrivateNodeRegistrationRequest) (*registrar.PrivateNodeRegistration, error) {
	wireReq := registerRequest{
		PublicKey:                 base64.StdEncoding.EncodeToString(req.PublicKey),
		RegistrationAuthorization: base64.StdEncoding.EncodeToString(req.RegistrationAuthorization),
		Signature:                 base64.StdEncoding.EncodeToString(req.Signature),
	}
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal registration request: %w", err)
	}

	var resp registerResponse
	if err := c.doJSON(ctx, "/v1/nodes", body, &resp); err != nil {
		return nil, err
	}

	var nodeCert, gatewayCert keystore.Certificate
	nodeCertBytes, err := base64.StdEncoding.DecodeString(resp.PrivateNodeCertificate)
	if err != nil {
		return nil, fmt.Errorf("decode private node certificate: %w", err)
	}
	if err := json.Unmarshal(nodeCertBytes, &nodeCert); err != nil {
		return nil, fmt.Errorf("unmarshal private node certificate: %w", err)
	}
	gatewayCertBytes, err := base64.StdEncoding.DecodeString(resp.PublicGatewayIdentityCertificate)
	if err != nil {
		return nil, fmt.Errorf("decode public gateway identity certificate: %w", err)
	}
	if err := json.Unmarshal(gatewayCertBytes, &gatewayCert); err != nil {
		return nil, fmt.Errorf("unmarshal public gateway identity certificate: %w", err)
	}

	return &registrar.PrivateNodeRegistration{
		PrivateNodeCertificate:           nodeCert,
		PublicGatewayIdentityCertificate: gatewayCert,
	}, nil
}

// Close is a no-op: an *http.Client owns no connection to release
// between calls.
func (c *Client) Close() error { return nil }

func (c *Client) doJSON(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response from %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response from %s: %w", path, err)
	}
	return nil
}
