package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	jwttoken "namereg/internal/jwt_token"
	"namereg/pkg/domain"
)

// apiError is the error body the server writes for every failed request.
type apiError struct {
	Status      int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *apiError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("%d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Description)
}

type client struct {
	base string
	http *http.Client
	g    *globals
}

func newClient(g *globals) *client {
	return &client{
		base: strings.TrimRight(g.server, "/"),
		http: &http.Client{Timeout: g.timeout},
		g:    g,
	}
}

func (c *client) token() (string, error) {
	principal, err := domain.ParsePrincipal(c.g.as)
	if err != nil {
		return "", fmt.Errorf("--as: %w", err)
	}
	svc := jwttoken.NewJWTService(c.g.signingKey, c.g.issuer, c.g.audience)
	return svc.GenerateAccessToken(principal, c.g.ttl)
}

// do sends body as JSON and decodes a 2xx response into out. Requests that
// need a caller are signed with a freshly minted token.
func (c *client) do(ctx context.Context, method, path string, authed bool, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		token, err := c.token()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Code == "" {
			// consistency reports come back as the body of a 500
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Description = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func escape(segment string) string {
	return url.PathEscape(segment)
}
