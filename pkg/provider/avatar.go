package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxAvatarResponseBytes = 1 << 20

// AvatarConfig configures a talks-style avatar rendering API
type AvatarConfig struct {
	BaseURL string
	// APIKey is sent as HTTP basic credentials
	APIKey string
	// SourceURL is the presenter image the avatar is animated from
	SourceURL string
	Timeout   time.Duration
}

// HTTPAvatarRenderer implements AvatarRenderer against a REST API that
// creates a talk with POST /talks and reports it with GET /talks/{id}
type HTTPAvatarRenderer struct {
	cfg    AvatarConfig
	client *http.Client
}

// NewHTTPAvatarRenderer creates a renderer
func NewHTTPAvatarRenderer(cfg AvatarConfig) *HTTPAvatarRenderer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	client := cleanhttp.DefaultPooledClient()
	client.Timeout = cfg.Timeout
	client.Transport = otelhttp.NewTransport(client.Transport)

	return &HTTPAvatarRenderer{cfg: cfg, client: client}
}

type talkRequest struct {
	Script    talkScript `json:"script"`
	Config    talkConfig `json:"config"`
	SourceURL string     `json:"source_url,omitempty"`
}

type talkScript struct {
	Type  string `json:"type"`
	Input string `json:"input"`
}

type talkConfig struct {
	Fluent   bool    `json:"fluent"`
	PadAudio float64 `json:"pad_audio"`
}

type talkResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	ResultURL string `json:"result_url"`
	Error     *struct {
		Kind        string `json:"kind"`
		Description string `json:"description"`
	} `json:"error,omitempty"`
}

// StartRender submits reply text and returns the talk id
func (r *HTTPAvatarRenderer) StartRender(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(talkRequest{
		Script:    talkScript{Type: "text", Input: text},
		Config:    talkConfig{Fluent: false, PadAudio: 0},
		SourceURL: r.cfg.SourceURL,
	})
	if err != nil {
		return "", fmt.Errorf("encode talk request: %w", err)
	}

	var talk talkResponse
	if err := r.do(ctx, http.MethodPost, "/talks", body, &talk); err != nil {
		return "", fmt.Errorf("start render: %w", err)
	}
	if talk.ID == "" {
		return "", fmt.Errorf("start render: response has no id")
	}
	return talk.ID, nil
}

// PollStatus reports the state of a talk
func (r *HTTPAvatarRenderer) PollStatus(ctx context.Context, jobID string) (RenderResult, error) {
	var talk talkResponse
	if err := r.do(ctx, http.MethodGet, "/talks/"+url.PathEscape(jobID), nil, &talk); err != nil {
		return RenderResult{}, fmt.Errorf("poll render %s: %w", jobID, err)
	}

	switch talk.Status {
	case "done":
		if talk.ResultURL == "" {
			return RenderResult{Status: RenderError, Reason: "done without result url"}, nil
		}
		return RenderResult{Status: RenderDone, VideoRef: talk.ResultURL}, nil
	case "error", "rejected":
		reason := talk.Status
		if talk.Error != nil && talk.Error.Description != "" {
			reason = talk.Error.Description
		}
		return RenderResult{Status: RenderError, Reason: reason}, nil
	default:
		return RenderResult{Status: RenderPending}, nil
	}
}

func (r *HTTPAvatarRenderer) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Basic "+r.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAvatarResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
