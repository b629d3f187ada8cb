package storeclient

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

var (
	ErrMalformedResponse = errors.New("store returned a malformed response")
	ErrStatus            = errors.New("store request failed")
)

// maxErrorBody bounds how much of a failed response is quoted in errors.
const maxErrorBody = 512

// StimsRequest is the body of POST /db/getstims.
type StimsRequest struct {
	DBName    string `json:"dbname"`
	CollName  string `json:"collname"`
	Iteration string `json:"it_name,omitempty"`
	GameID    string `json:"gameid,omitempty"`
}

// StimsResponse is the trial set returned by the store.
type StimsResponse struct {
	ID     string            `json:"_id"`
	Trials []json.RawMessage `json:"trials"`
}

// Client talks to the store process over its local HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the store listening at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the store address the client posts to.
func (c *Client) BaseURL() string { return c.baseURL }

// GetStims fetches the trial set for a new session.
func (c *Client) GetStims(ctx context.Context, req StimsRequest) (StimsResponse, error) {
	body, status, err := c.post(ctx, "/db/getstims", req)
	if err != nil {
		return StimsResponse{}, err
	}
	if status != http.StatusOK {
		return StimsResponse{}, statusError("/db/getstims", status, body)
	}

	var resp StimsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return StimsResponse{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if resp.Trials == nil {
		return StimsResponse{}, fmt.Errorf("%w: missing trials", ErrMalformedResponse)
	}
	return resp, nil
}

// Insert forwards one data-event document. It returns the store's plain-text
// acknowledgement.
func (c *Client) Insert(ctx context.Context, doc map[string]any) (string, error) {
	body, status, err := c.post(ctx, "/db/insert", doc)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", statusError("/db/insert", status, body)
	}
	return string(body), nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, int, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, 0, fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read %s response: %w", path, err)
	}
	return body, resp.StatusCode, nil
}

func statusError(path string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	return fmt.Errorf("%w: %s returned %d: %s", ErrStatus, path, status, msg)
}
