package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// Profile is the caller as reported by the identity provider.
type Profile struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Client calls the identity provider over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs an identity provider client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Me validates a session token and returns the current user.
func (c *Client) Me(ctx context.Context, token string) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/me", nil)
	if err != nil {
		return Profile{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Profile{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Profile{}, &APIError{Status: resp.StatusCode, Message: resp.Status}
	}
	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Profile{}, err
	}
	if strings.TrimSpace(p.ID) == "" {
		return Profile{}, &APIError{Status: http.StatusUnauthorized, Message: "identity provider returned no user id"}
	}
	return p, nil
}

// APIError represents an identity provider error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}
