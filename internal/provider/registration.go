package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// defaultClientName is the client_name sent during dynamic registration.
const defaultClientName = "authbroker"

// registrationRequest is the RFC 7591 dynamic client registration payload.
type registrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
}

// registrationResponse is the subset of the RFC 7591 response the engine
// consumes. client_id is the only field it requires.
type registrationResponse struct {
	ClientID string `json:"client_id"`
}

// registerClient performs dynamic client registration against the given
// endpoint and returns the issued client_id.
func registerClient(ctx context.Context, httpClient *http.Client, endpoint, redirectURI string) (string, error) {
	payload := registrationRequest{
		RedirectURIs:            []string{redirectURI},
		ClientName:              defaultClientName,
		TokenEndpointAuthMethod: "none", // public client, PKCE flow
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("client registration request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read registration response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("client registration failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var registration registrationResponse
	if err := json.Unmarshal(respBody, &registration); err != nil {
		return "", fmt.Errorf("failed to parse registration response: %w", err)
	}

	if registration.ClientID == "" {
		return "", fmt.Errorf("registration response contains no client_id")
	}

	return registration.ClientID, nil
}
