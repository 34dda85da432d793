package tts

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

const defaultOpenAIEndpoint = "https://api.openai.com"

// maxAudioBytes guards against a misbehaving upstream streaming forever.
const maxAudioBytes = 32 << 20

// OpenAIConfig configures an OpenAI-compatible /v1/audio/speech backend.
type OpenAIConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	Client   *http.Client
}

type openAISynth struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

type openAIRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format,omitempty"`
}

func NewOpenAISynth(cfg OpenAIConfig) Synthesizer {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = defaultOpenAIEndpoint
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &openAISynth{endpoint: endpoint, apiKey: cfg.APIKey, client: client}
}

func (o *openAISynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	payload, err := json.Marshal(openAIRequest{
		Model:          req.Model,
		Input:          req.Text,
		Voice:          req.Voice,
		ResponseFormat: req.Format,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/v1/audio/speech", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ProviderError{Provider: "openai", Model: req.Model, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ProviderError{
			Provider:   "openai",
			Model:      req.Model,
			StatusCode: resp.StatusCode,
			Err:        errors.New(upstreamMessage(body)),
		}
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes+1))
	if err != nil {
		return nil, &ProviderError{Provider: "openai", Model: req.Model, Err: fmt.Errorf("read audio: %w", err)}
	}
	if len(audio) > maxAudioBytes {
		return nil, &ProviderError{Provider: "openai", Model: req.Model, Err: errors.New("audio exceeds size limit")}
	}
	if len(audio) == 0 {
		return nil, &ProviderError{Provider: "openai", Model: req.Model, Err: errors.New("empty audio response")}
	}
	return audio, nil
}

// upstreamMessage extracts error.message from an OpenAI error body, falling
// back to the raw text.
func upstreamMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "no error body"
	}
	return msg
}
