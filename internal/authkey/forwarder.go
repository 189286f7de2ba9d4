//go:generate mockgen -destination=mock_forwarder.go -package=authkey portreg/internal/authkey Forwarder

// Package authkey forwards device credentials to the key-registration
// service, which appends them to the reverse tunnel's authorized keys.
package authkey

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Forwarder delivers a credential out of band.
type Forwarder interface {
	Forward(ctx context.Context, credential string) error
}

type registerKey struct {
	SSHKey string `json:"ssh_key"`
}

// HTTPForwarder posts credentials to the key-registration service.
type HTTPForwarder struct {
	url    string
	client *http.Client
}

// NewHTTPForwarder targets http://host:port/register.
func NewHTTPForwarder(host string, port int, timeout time.Duration) *HTTPForwarder {
	return &HTTPForwarder{
		url:    "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/register",
		client: &http.Client{Timeout: timeout},
	}
}

// URL returns the endpoint credentials are posted to.
func (f *HTTPForwarder) URL() string {
	return f.url
}

// Forward posts the credential as {"ssh_key": ...}. Any non-2xx answer is an
// error.
func (f *HTTPForwarder) Forward(ctx context.Context, credential string) error {
	body, err := json.Marshal(registerKey{SSHKey: credential})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", f.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", f.url, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// Nop discards credentials. Used when no key service is configured.
type Nop struct{}

// Forward does nothing.
func (Nop) Forward(context.Context, string) error { return nil }
