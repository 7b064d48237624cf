// Package e2e runs the Gherkin scenarios under features/ against a live
// namereg server. The server must run with the balances and admin listed in
// namereg.toml.
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestContext carries the HTTP client and the last response across the steps
// of one scenario.
type TestContext struct {
	BaseURL    string
	SigningKey string
	Issuer     string
	Audience   string
	HTTPClient *http.Client

	// Suffix makes names unique per scenario so runs do not collide.
	Suffix string

	principal    string
	lastStatus   int
	lastBody     []byte
	lastResponse map[string]any
}

// NewTestContext reads the server location and JWT settings from the
// environment.
func NewTestContext() *TestContext {
	return &TestContext{
		BaseURL:    envOr("NAMEREG_E2E_URL", "http://localhost:8080"),
		SigningKey: envOr("NAMEREG_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		Issuer:     envOr("NAMEREG_JWT_ISSUER", "namereg"),
		Audience:   envOr("NAMEREG_JWT_AUDIENCE", "namereg-api"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Reset clears per-scenario state.
func (tc *TestContext) Reset() {
	tc.principal = ""
	tc.lastStatus = 0
	tc.lastBody = nil
	tc.lastResponse = nil
	tc.Suffix = fmt.Sprintf("%d", time.Now().UnixNano()%1_000_000_000)
}

// SetPrincipal makes subsequent requests act as principal. The empty string
// sends requests without a token.
func (tc *TestContext) SetPrincipal(principal string) {
	tc.principal = principal
}

func (tc *TestContext) Principal() string {
	return tc.principal
}

// UniqueName appends the scenario suffix to name.
func (tc *TestContext) UniqueName(name string) string {
	return name + tc.Suffix
}

func (tc *TestContext) token(principal string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   principal,
		Issuer:    tc.Issuer,
		Audience:  jwt.ClaimStrings{tc.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		ID:        fmt.Sprintf("e2e-%d", now.UnixNano()),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(tc.SigningKey))
}

// Do sends a request as the current principal and records the response.
func (tc *TestContext) Do(method, path string, body any) error {
	resp, err := tc.send(tc.principal, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	tc.lastStatus = resp.StatusCode
	tc.lastBody, err = io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	tc.lastResponse = nil
	if len(tc.lastBody) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var decoded map[string]any
		if err := json.Unmarshal(tc.lastBody, &decoded); err == nil {
			tc.lastResponse = decoded
		}
	}
	return nil
}

// RequestAs sends a request as principal without touching the recorded
// response, so it is safe to call concurrently.
func (tc *TestContext) RequestAs(principal, method, path string, body any) (int, error) {
	resp, err := tc.send(principal, method, path, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (tc *TestContext) send(principal, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, tc.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		token, err := tc.token(principal)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := tc.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func (tc *TestContext) GET(path string) error {
	return tc.Do(http.MethodGet, path, nil)
}

func (tc *TestContext) POST(path string, body any) error {
	return tc.Do(http.MethodPost, path, body)
}

func (tc *TestContext) PUT(path string, body any) error {
	return tc.Do(http.MethodPut, path, body)
}

func (tc *TestContext) DELETE(path string) error {
	return tc.Do(http.MethodDelete, path, nil)
}

func (tc *TestContext) GetLastResponseStatus() int {
	return tc.lastStatus
}

func (tc *TestContext) GetLastResponseBody() []byte {
	return tc.lastBody
}

// GetResponseField returns a top-level field of the last JSON response.
func (tc *TestContext) GetResponseField(field string) (any, error) {
	if tc.lastResponse == nil {
		return nil, fmt.Errorf("last response was not a JSON object: %s", tc.lastBody)
	}
	v, ok := tc.lastResponse[field]
	if !ok {
		return nil, fmt.Errorf("field %q not in response: %s", field, tc.lastBody)
	}
	return v, nil
}
