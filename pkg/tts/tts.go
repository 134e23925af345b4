// Package tts synthesizes spoken feedback messages.
package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrCodeEU/faceattend/pkg/config"
	"github.com/MrCodeEU/faceattend/pkg/logging"
)

// Synthesizer turns text into MP3 audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// ErrDisabled is returned by the synthesizer of a deployment without TTS.
var ErrDisabled = errors.New("speech synthesis disabled")

// ErrEmptyText is returned for blank input.
var ErrEmptyText = errors.New("empty text")

// Disabled is a Synthesizer that always fails with ErrDisabled.
type Disabled struct{}

// Synthesize implements Synthesizer.
func (Disabled) Synthesize(context.Context, string) ([]byte, error) {
	return nil, ErrDisabled
}

// New returns the synthesizer selected by cfg.Provider.
func New(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Provider {
	case "none":
		return Disabled{}, nil
	case "", "openai":
		if cfg.APIKey == "" {
			logging.Component("tts").Warnf("No API key configured, speech synthesis disabled")
			return Disabled{}, nil
		}
		return NewOpenAI(cfg.APIKey,
			WithModel(cfg.Model),
			WithVoice(cfg.Voice),
			WithTimeout(time.Duration(cfg.Timeout)*time.Second),
		), nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", cfg.Provider)
	}
}

// OpenAI implements Synthesizer with the OpenAI speech endpoint.
type OpenAI struct {
	client  *openai.Client
	model   string
	voice   string
	timeout time.Duration
}

var _ Synthesizer = (*OpenAI)(nil)

type openAIConfig struct {
	model      string
	voice      string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// Option configures the OpenAI synthesizer.
type Option func(*openAIConfig)

// WithModel sets the speech model, e.g. "tts-1".
func WithModel(model string) Option {
	return func(c *openAIConfig) {
		if model != "" {
			c.model = model
		}
	}
}

// WithVoice sets the voice, e.g. "alloy".
func WithVoice(voice string) Option {
	return func(c *openAIConfig) {
		if voice != "" {
			c.voice = voice
		}
	}
}

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(c *openAIConfig) { c.baseURL = url }
}

// WithTimeout bounds each synthesis call. Zero means no extra bound.
func WithTimeout(d time.Duration) Option {
	return func(c *openAIConfig) { c.timeout = d }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *openAIConfig) { c.httpClient = hc }
}

// NewOpenAI creates an OpenAI synthesizer.
func NewOpenAI(apiKey string, opts ...Option) *OpenAI {
	cfg := openAIConfig{
		model:      string(openai.SpeechModelTTS1),
		voice:      "alloy",
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(&cfg)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(cfg.httpClient),
	}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}
	client := openai.NewClient(clientOpts...)

	return &OpenAI{
		client:  &client,
		model:   cfg.model,
		voice:   cfg.voice,
		timeout: cfg.timeout,
	}
}

// Synthesize returns MP3 audio for text.
func (o *OpenAI) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := o.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(o.model),
		Input:          text,
		Voice:          openai.AudioSpeechNewParamsVoice(o.voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return nil, fmt.Errorf("speech request: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read speech response: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("speech response is empty")
	}

	logging.Component("tts").WithFields(logging.Fields{
		"bytes":    len(audio),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("Synthesized speech")
	return audio, nil
}
