// Package openaifm adapts openai.fm-compatible speech backends (ttsfm,
// ttsapi.site and self-hosted mirrors). The wire protocol is a form-encoded
// POST to /api/generate returning raw audio bytes.
package openaifm

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ndhoang/tts-gateway/internal/provider"
)

type Client struct {
	provider.Base
	httpClient *http.Client
}

var defaultFormats = []provider.Format{
	provider.FormatMP3,
	provider.FormatWAV,
	provider.FormatOpus,
	provider.FormatAAC,
	provider.FormatFLAC,
	provider.FormatPCM,
}

func New(s provider.Settings) provider.Provider {
	if len(s.Formats) == 0 {
		s.Formats = defaultFormats
	}
	return &Client{
		Base: provider.Base{Settings: s},
		httpClient: &http.Client{
			// Hard cap; the per-attempt deadline arrives via ctx.
			Timeout: 120 * time.Second,
		},
	}
}

func (c *Client) Synthesize(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if !c.SupportsFormat(req.Format) {
		return nil, provider.CapabilityMismatch(c.Name(), req.Format)
	}

	form := url.Values{}
	form.Set("input", req.Input)
	form.Set("voice", req.Voice)
	form.Set("response_format", string(req.Format))
	if req.Prompt != "" {
		form.Set("prompt", req.Prompt)
	}
	if req.RequestID != "" {
		form.Set("generation", req.RequestID)
	}

	endpoint := strings.TrimSuffix(c.Settings.Endpoint, "/") + "/api/generate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, provider.WrapTransport(c.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.Settings.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.Settings.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, provider.WrapTransport(c.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, provider.ClassifyStatus(c.Name(), resp.StatusCode, body)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.WrapTransport(c.Name(), err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = req.Format.ContentType()
	}

	return &provider.Response{
		Audio:       audio,
		ContentType: contentType,
		Provider:    c.Name(),
		LatencyMs:   time.Since(start).Milliseconds(),
	}, nil
}
