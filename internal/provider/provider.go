// Package provider is the client for the external lip-sync rendering API.
// The API is asynchronous: a render is submitted with a callback URL and an
// idempotency key, the provider answers with a request id, and completion or
// failure arrives later as a webhook keyed by that id. This package only ever
// performs the submit; the webhook receiver owns the other half.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a render provider client. timeout bounds each dispatch
// call; a dispatch that exceeds it is a synchronous failure and retryable.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// RenderRequest carries one chunk's render parameters. Time ranges are
// seconds into the respective source tracks; the audio range is already
// offset-corrected by the planner.
type RenderRequest struct {
	VideoURL      string  `json:"video_url"`
	AudioURL      string  `json:"audio_url"`
	VideoStartSec float64 `json:"video_start_sec"`
	VideoEndSec   float64 `json:"video_end_sec"`
	AudioStartSec float64 `json:"audio_start_sec"`
	AudioEndSec   float64 `json:"audio_end_sec"`
	ImageURL      string  `json:"image_url,omitempty"`
	Watermark     bool    `json:"watermark"`

	// IdempotencyKey lets the provider de-duplicate a resubmitted dispatch
	// (e.g. our timeout fired after their side accepted the request).
	IdempotencyKey string `json:"idempotency_key"`

	// CallbackURL receives the completion/failure webhook.
	CallbackURL string `json:"callback_url"`
}

type renderResponse struct {
	RequestID string `json:"request_id"`
}

// SubmitRender starts an asynchronous render and returns the provider's
// request id, the correlation key for all later webhook deliveries.
func (c *Client) SubmitRender(ctx context.Context, reqBody RenderRequest) (string, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/renders", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Idempotency-Key", reqBody.IdempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var renderResp renderResponse
	if err := json.Unmarshal(body, &renderResp); err != nil {
		return "", fmt.Errorf("failed to parse render response: %w (body: %s)", err, string(body))
	}

	if renderResp.RequestID == "" {
		return "", fmt.Errorf("no request_id in render response: %s", string(body))
	}

	log.Printf("[Provider] Render submitted (request_id=%s, video=[%.2f,%.2f), audio=[%.2f,%.2f))",
		renderResp.RequestID, reqBody.VideoStartSec, reqBody.VideoEndSec,
		reqBody.AudioStartSec, reqBody.AudioEndSec)

	return renderResp.RequestID, nil
}
