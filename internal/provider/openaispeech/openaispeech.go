// Package openaispeech adapts the OpenAI audio/speech API.
package openaispeech

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ndhoang/tts-gateway/internal/provider"
)

const defaultModel = "gpt-4o-mini-tts"

type Client struct {
	provider.Base
	httpClient *http.Client
}

// The speech endpoint produces every format the gateway exposes.
var defaultFormats = []provider.Format{
	provider.FormatMP3,
	provider.FormatWAV,
	provider.FormatOpus,
	provider.FormatAAC,
	provider.FormatFLAC,
	provider.FormatPCM,
}

var defaultVoices = []string{"alloy", "ash", "coral", "echo", "fable", "onyx", "nova", "sage", "shimmer"}

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format,omitempty"`
	Instructions   string `json:"instructions,omitempty"`
}

func New(s provider.Settings) provider.Provider {
	if s.Endpoint == "" {
		s.Endpoint = "https://api.openai.com/v1"
	}
	if s.Model == "" {
		s.Model = defaultModel
	}
	if len(s.Formats) == 0 {
		s.Formats = defaultFormats
	}
	if len(s.Voices) == 0 {
		s.Voices = defaultVoices
	}
	return &Client{
		Base: provider.Base{Settings: s},
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (c *Client) Synthesize(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if !c.SupportsFormat(req.Format) {
		return nil, provider.CapabilityMismatch(c.Name(), req.Format)
	}

	body, err := json.Marshal(speechRequest{
		Model:          c.Settings.Model,
		Input:          req.Input,
		Voice:          req.Voice,
		ResponseFormat: string(req.Format),
		Instructions:   req.Prompt,
	})
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindClient, Provider: c.Name(), Message: err.Error()}
	}

	endpoint := strings.TrimSuffix(c.Settings.Endpoint, "/") + "/audio/speech"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, provider.WrapTransport(c.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.Settings.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, provider.WrapTransport(c.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, provider.ClassifyStatus(c.Name(), resp.StatusCode, respBody)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.WrapTransport(c.Name(), err)
	}

	return &provider.Response{
		Audio:       audio,
		ContentType: req.Format.ContentType(),
		Provider:    c.Name(),
		LatencyMs:   time.Since(start).Milliseconds(),
	}, nil
}
