package generators

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/sashabaranov/go-openai"

	"github.com/pm-ju/anya-web-extension/internal/config"
)

// audioFileName only tells the API how to sniff the upload
const audioFileName = "audio.webm"

// WhisperTranscriber transcribes audio through an OpenAI-compatible
// transcription endpoint (OpenAI, Groq, local whisper servers)
type WhisperTranscriber struct {
	client   *openai.Client
	model    string
	language string
}

func NewWhisperTranscriber(cfg config.TranscriptionConfig) *WhisperTranscriber {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: defaultTimeout}

	return &WhisperTranscriber{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    cfg.Model,
		language: cfg.Language,
	}
}

// Transcribe returns the recognized text, which may be empty for silence
func (t *WhisperTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: audioFileName,
		Reader:   bytes.NewReader(audio),
		Language: t.language,
	})
	if err != nil {
		return "", goerr.Wrap(err, "transcription request failed", goerr.V("bytes", len(audio)))
	}
	return strings.TrimSpace(resp.Text), nil
}

// OpenAISynthesizer synthesizes speech through the OpenAI speech endpoint
type OpenAISynthesizer struct {
	client *openai.Client
	model  string
	voice  string
}

func NewOpenAISynthesizer(cfg config.SynthesisConfig) *OpenAISynthesizer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	return &OpenAISynthesizer{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		voice:  cfg.Voice,
	}
}

// Synthesize returns WAV audio for text
func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, goerr.New("text cannot be empty")
	}

	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.model),
		Input:          text,
		Voice:          openai.SpeechVoice(s.voice),
		ResponseFormat: openai.SpeechResponseFormatWav,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "speech request failed")
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read speech audio")
	}
	if len(audio) == 0 {
		return nil, goerr.New("speech endpoint returned no audio")
	}
	return audio, nil
}
