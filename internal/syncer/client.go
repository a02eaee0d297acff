package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/clawtrace/internal/device"
	"github.com/smallbiznis/clawtrace/internal/usage/domain"
)

const maxErrorBody = 64 * 1024

// Client talks to the hosted registry.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

type apiError struct {
	Error struct {
		Type    string          `json:"type"`
		Message string          `json:"message"`
		Errors  json.RawMessage `json:"errors,omitempty"`
	} `json:"error"`
}

func (c *Client) Register(ctx context.Context) (domain.RegisterResponse, error) {
	var out domain.RegisterResponse
	err := c.do(ctx, http.MethodPost, "/api/register", nil, struct{}{}, &out)
	return out, err
}

func (c *Client) Ingest(ctx context.Context, id device.Identity, events []domain.UsageEvent) (domain.IngestAck, error) {
	var ack domain.IngestAck
	body := domain.IngestRequest{DeviceID: id.DeviceID, Events: events}
	err := c.do(ctx, http.MethodPost, "/api/ingest", bearer(id.DeviceSecret), body, &ack)
	return ack, err
}

func (c *Client) Resync(ctx context.Context, id device.Identity, events []domain.UsageEvent) (domain.IngestAck, error) {
	var ack domain.IngestAck
	body := domain.IngestRequest{DeviceID: id.DeviceID, Events: events}
	err := c.do(ctx, http.MethodPost, "/api/resync/"+id.DeviceID, bearer(id.DeviceSecret), body, &ack)
	return ack, err
}

// Claim changes the device's tier. It is authorized by the operator claim
// key, not by the device secret.
func (c *Client) Claim(ctx context.Context, claimKey string, req domain.ClaimRequest) (domain.ClaimResponse, error) {
	var out domain.ClaimResponse
	hdr := http.Header{}
	hdr.Set(domain.HeaderClaimKey, claimKey)
	err := c.do(ctx, http.MethodPost, "/api/claim", hdr, req, &out)
	return out, err
}

func bearer(secret string) http.Header {
	hdr := http.Header{}
	if secret != "" {
		hdr.Set("Authorization", "Bearer "+secret)
	}
	return hdr
}

func (c *Client) do(ctx context.Context, method, path string, hdr http.Header, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range hdr {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrTransient, err)
		}
		return nil
	}
	return classifyStatus(resp)
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrTransient, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func classifyStatus(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body apiError
	_ = json.Unmarshal(raw, &body)
	msg := body.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case resp.StatusCode == http.StatusForbidden && body.Error.Type == "tier_exceeded":
		return fmt.Errorf("%w: %s", ErrTierExceeded, msg)
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, msg)
	}
}
