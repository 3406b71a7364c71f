// Package elevenlabs adapts the ElevenLabs text-to-speech API.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ndhoang/tts-gateway/internal/provider"
)

const defaultModel = "eleven_multilingual_v2"

// output_format values per format. ElevenLabs has no wav/aac/flac output, so
// those formats are simply not declared as capabilities.
var outputFormats = map[provider.Format]string{
	provider.FormatMP3:  "mp3_44100_128",
	provider.FormatOpus: "opus_48000_64",
	provider.FormatPCM:  "pcm_24000",
}

type Client struct {
	provider.Base
	httpClient *http.Client
}

type speechRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id,omitempty"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

func New(s provider.Settings) provider.Provider {
	if s.Endpoint == "" {
		s.Endpoint = "https://api.elevenlabs.io/v1"
	}
	if s.Model == "" {
		s.Model = defaultModel
	}
	if len(s.Formats) == 0 {
		s.Formats = []provider.Format{provider.FormatMP3, provider.FormatOpus, provider.FormatPCM}
	}
	return &Client{
		Base: provider.Base{Settings: s},
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (c *Client) Synthesize(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	outputFormat, ok := outputFormats[req.Format]
	if !ok || !c.SupportsFormat(req.Format) {
		return nil, provider.CapabilityMismatch(c.Name(), req.Format)
	}

	body, err := json.Marshal(speechRequest{
		Text:    req.Input,
		ModelID: c.Settings.Model,
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	})
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindClient, Provider: c.Name(), Message: err.Error()}
	}

	endpoint := strings.TrimSuffix(c.Settings.Endpoint, "/") +
		"/text-to-speech/" + url.PathEscape(req.Voice) +
		"?output_format=" + outputFormat

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, provider.WrapTransport(c.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", c.Settings.APIKey)

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
