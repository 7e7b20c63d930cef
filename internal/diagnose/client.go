package diagnose

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 1024
)

var (
	ErrNotConfigured = errors.New("diagnose endpoint not configured")
	ErrEmptyNotes    = errors.New("notes are empty")
)

type Config struct {
	// BaseURL is the API root; requests go to BaseURL + "diagnose".
	BaseURL string
	Timeout time.Duration
}

// StatusError is returned when the diagnose API answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("diagnose returned status %d", e.StatusCode)
}

type Client struct {
	httpClient *http.Client
	baseURL    string
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	base := strings.TrimSpace(cfg.BaseURL)
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    base,
	}
}

func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// Diagnose sends clinical notes to the diagnose API.
func (c *Client) Diagnose(ctx context.Context, notes string) (*Response, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(notes) == "" {
		return nil, ErrEmptyNotes
	}

	body, err := json.Marshal(Request{Notes: notes})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"diagnose", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("diagnose request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}
