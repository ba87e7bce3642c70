package homeserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// adminAccessToken returns a cached admin access token, logging in through
// the shared-secret authenticator when none is held.
func (c *Client) adminAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.adminToken != "" {
		return c.adminToken, nil
	}
	if c.adminUser == "" || c.login == nil {
		return "", ErrNoAdmin
	}
	resp, err := c.Login(ctx, "/_matrix/client/v3/login", c.adminUser, nil, nil)
	if err != nil {
		return "", fmt.Errorf("admin login: %w", err)
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := decode(resp, &out); err != nil {
		return "", fmt.Errorf("admin login: %w", err)
	}
	if out.AccessToken == "" {
		return "", errors.New("admin login returned no access_token")
	}
	c.adminToken = out.AccessToken
	return c.adminToken, nil
}

func (c *Client) dropAdminToken(token string) {
	c.mu.Lock()
	if c.adminToken == token {
		c.adminToken = ""
	}
	c.mu.Unlock()
}

// admin performs an admin API call, retrying once with a fresh token when
// the cached one has been invalidated.
func (c *Client) admin(ctx context.Context, method, path string, body any, out any) error {
	for attempt := 0; ; attempt++ {
		token, err := c.adminAccessToken(ctx)
		if err != nil {
			return err
		}
		resp, err := c.do(ctx, method, path, "", bearer(token), body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			c.dropAdminToken(token)
			continue
		}
		return decode(resp, out)
	}
}

// IsAdmin reports whether userID is a homeserver admin, asking with the
// caller's own access token.
func (c *Client) IsAdmin(ctx context.Context, accessToken, userID string) (bool, error) {
	path := "/_synapse/admin/v1/users/" + url.PathEscape(userID) + "/admin"
	resp, err := c.do(ctx, http.MethodGet, path, "", bearer(accessToken), nil)
	if err != nil {
		return false, err
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return false, ErrUnknownToken
	case http.StatusForbidden:
		return false, nil
	}
	var out struct {
		Admin bool `json:"admin"`
	}
	if err := decode(resp, &out); err != nil {
		return false, err
	}
	return out.Admin, nil
}

// Deactivate deactivates userID on the homeserver.
func (c *Client) Deactivate(ctx context.Context, userID string, erase bool) error {
	path := "/_synapse/admin/v1/deactivate/" + url.PathEscape(userID)
	return c.admin(ctx, http.MethodPost, path, map[string]bool{"erase": erase}, nil)
}

// AddEmail records a verified email address as a threepid on the account.
func (c *Client) AddEmail(ctx context.Context, userID, address string) error {
	path := "/_synapse/admin/v2/users/" + url.PathEscape(userID)
	body := map[string]any{
		"threepids":      []map[string]string{{"medium": "email", "address": address}},
		"logout_devices": false,
	}
	return c.admin(ctx, http.MethodPut, path, body, nil)
}

// Close logs out the cached admin session, if any.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	token := c.adminToken
	c.adminToken = ""
	c.mu.Unlock()
	if token == "" {
		return nil
	}
	resp, err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/logout", "", bearer(token), map[string]any{})
	if err != nil {
		return err
	}
	return decode(resp, nil)
}
