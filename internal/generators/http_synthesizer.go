package generators

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/pm-ju/anya-web-extension/internal/config"
)

const defaultTimeout = 60 * time.Second

// HTTPSynthesizer talks to a self-hosted TTS server exposing POST /tts,
// such as GPT-SoVITS. The server may answer with raw audio or with a JSON
// envelope carrying base64 audio.
type HTTPSynthesizer struct {
	httpClient *http.Client
	baseURL    string
	voice      string
	language   string
}

// TTSRequest represents a text-to-speech request
type TTSRequest struct {
	Text           string  `json:"text"`
	ReferenceAudio string  `json:"reference_audio,omitempty"`
	Language       string  `json:"language,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

// TTSResponse is the JSON form of a TTS answer
type TTSResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Base64  string `json:"audio_data,omitempty"`
}

func NewHTTPSynthesizer(cfg config.SynthesisConfig) *HTTPSynthesizer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPSynthesizer{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		voice:      cfg.Voice,
		language:   cfg.Language,
	}
}

// Synthesize synthesizes text to speech
func (c *HTTPSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, goerr.New("text cannot be empty")
	}

	reqJSON, err := json.Marshal(&TTSRequest{
		Text:           text,
		ReferenceAudio: c.voice,
		Language:       c.language,
		Speed:          1.0,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts", bytes.NewReader(reqJSON))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to send request", goerr.V("url", httpReq.URL.String()))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read response")
	}

	contentType := resp.Header.Get("Content-Type")
	if resp.StatusCode != http.StatusOK {
		return nil, goerr.New("unexpected response",
			goerr.V("status", resp.StatusCode), goerr.V("content_type", contentType))
	}

	if strings.HasPrefix(contentType, "application/json") {
		var ttsResp TTSResponse
		if err := json.Unmarshal(body, &ttsResp); err != nil {
			return nil, goerr.Wrap(err, "failed to parse TTS response")
		}
		if !ttsResp.Success {
			return nil, goerr.New("TTS failed", goerr.V("message", ttsResp.Message))
		}
		decoded, err := base64.StdEncoding.DecodeString(ttsResp.Base64)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to decode base64")
		}
		return decoded, nil
	}

	if len(body) == 0 {
		return nil, goerr.New("TTS returned no audio")
	}
	return body, nil
}

// HealthCheck checks if the TTS server is accessible
func (c *HTTPSynthesizer) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return goerr.Wrap(err, "failed to create request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return goerr.Wrap(err, "TTS server unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return goerr.New("TTS server unhealthy", goerr.V("status", resp.StatusCode))
	}

	return nil
}

// GetAudioFormat sniffs the container format of audio bytes
func GetAudioFormat(data []byte) string {
	if len(data) >= 4 && string(data[0:4]) == "RIFF" {
		return "wav"
	}
	if len(data) >= 3 && string(data[0:3]) == "ID3" {
		return "mp3"
	}
	if len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0 {
		return "mp3"
	}
	if len(data) >= 4 && string(data[0:4]) == "OggS" {
		return "ogg"
	}
	return "unknown"
}
