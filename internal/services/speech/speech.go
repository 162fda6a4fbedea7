// Package speech is the transcription gateway backed by Google Cloud
// Speech-to-Text. Audio is sent inline with LongRunningRecognize and the
// first alternative of every result is joined into one transcript.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	speechapi "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"

	"capsule/internal/language"
	"capsule/internal/services"
)

const (
	// Provider identifies this gateway in stored payloads.
	Provider = "gcp_speech"

	// CodeTranscriptEmpty tags a recognition that produced no words.
	CodeTranscriptEmpty = "transcript_empty"

	// MaxInlineBytes is the inline audio limit of the v1 API.
	MaxInlineBytes = 10 << 20

	defaultLanguage = "en-US"
	defaultTimeout  = 10 * time.Minute
	stageName       = "transcription"
)

// Config holds recognition settings.
type Config struct {
	CredentialsFile string
	LanguageCode    string
	Model           string
	SampleRateHertz int32
	Timeout         time.Duration
}

// Result is a finished transcript.
type Result struct {
	Text       string
	Language   string
	Confidence float64
	Provider   string
}

// RecognizeFunc runs one long-running recognition to completion.
type RecognizeFunc func(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error)

// Client transcribes audio files.
type Client struct {
	cfg       Config
	recognize RecognizeFunc
	closer    func() error
}

// New dials the Speech API. CredentialsFile is optional; application
// default credentials apply when it is empty.
func New(ctx context.Context, cfg Config) (*Client, error) {
	var opts []option.ClientOption
	if path := strings.TrimSpace(cfg.CredentialsFile); path != "" {
		opts = append(opts, option.WithCredentialsFile(path))
	}
	api, err := speechapi.NewClient(ctx, opts...)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, stageName, "dial", "create speech client", err)
	}
	recognize := func(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error) {
		op, err := api.LongRunningRecognize(ctx, req)
		if err != nil {
			return nil, err
		}
		return op.Wait(ctx)
	}
	client := NewWithRecognizer(cfg, recognize)
	client.closer = api.Close
	return client, nil
}

// NewWithRecognizer builds a client around an existing recognizer.
func NewWithRecognizer(cfg Config, recognize RecognizeFunc) *Client {
	if tag, ok := language.RecognitionTag(cfg.LanguageCode); ok {
		cfg.LanguageCode = tag
	} else {
		cfg.LanguageCode = defaultLanguage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{cfg: cfg, recognize: recognize}
}

// Close releases the underlying API connection.
func (c *Client) Close() error {
	if c == nil || c.closer == nil {
		return nil
	}
	return c.closer()
}

// Transcribe reads the audio file at path and returns its transcript.
func (c *Client) Transcribe(ctx context.Context, path, mimeType string) (Result, error) {
	encoding, ok := InferEncoding(mimeType, path)
	if !ok {
		return Result{}, services.Wrap(services.ErrUnsupported, stageName, "transcribe",
			fmt.Sprintf("unsupported audio format %q", filepath.Ext(path)), nil)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, sourceError(err)
	}
	if info.Size() > MaxInlineBytes {
		return Result{}, services.Wrap(services.ErrTooLarge, stageName, "transcribe",
			fmt.Sprintf("audio is %d bytes, inline limit is %d", info.Size(), MaxInlineBytes), nil)
	}
	audio, err := os.ReadFile(path)
	if err != nil {
		return Result{}, sourceError(err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := &speechpb.LongRunningRecognizeRequest{
		Config: c.recognitionConfig(encoding),
		Audio:  &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Content{Content: audio}},
	}
	resp, err := c.recognize(ctx, req)
	if err != nil {
		return Result{}, services.Wrap(services.ErrExternalTool, stageName, "recognize", "long running recognize", err)
	}

	result := ParseResponse(resp)
	if result.Text == "" {
		return Result{}, services.WithCode(
			services.Wrap(services.ErrNoContent, stageName, "recognize", "recognition returned no transcript", nil),
			CodeTranscriptEmpty,
		)
	}
	if result.Language == "" {
		result.Language = c.cfg.LanguageCode
	}
	return result, nil
}

func (c *Client) recognitionConfig(encoding speechpb.RecognitionConfig_AudioEncoding) *speechpb.RecognitionConfig {
	rc := &speechpb.RecognitionConfig{
		Encoding:                   encoding,
		LanguageCode:               c.cfg.LanguageCode,
		Model:                      c.cfg.Model,
		EnableAutomaticPunctuation: true,
	}
	// WAV and FLAC carry their own sample rate in the header.
	if encoding != speechpb.RecognitionConfig_LINEAR16 && encoding != speechpb.RecognitionConfig_FLAC && c.cfg.SampleRateHertz > 0 {
		rc.SampleRateHertz = c.cfg.SampleRateHertz
	}
	return rc
}

// InferEncoding maps a MIME type or file extension to a recognition
// encoding. The second result is false for formats the API cannot decode.
func InferEncoding(mimeType, path string) (speechpb.RecognitionConfig_AudioEncoding, bool) {
	m := strings.ToLower(strings.TrimSpace(mimeType))
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case strings.Contains(m, "wav") || ext == ".wav":
		return speechpb.RecognitionConfig_LINEAR16, true
	case strings.Contains(m, "flac") || ext == ".flac":
		return speechpb.RecognitionConfig_FLAC, true
	case strings.Contains(m, "mpeg") || strings.Contains(m, "mp3") || ext == ".mp3":
		return speechpb.RecognitionConfig_MP3, true
	case strings.Contains(m, "ogg") || ext == ".ogg" || ext == ".opus":
		return speechpb.RecognitionConfig_OGG_OPUS, true
	case strings.Contains(m, "webm") || ext == ".webm":
		return speechpb.RecognitionConfig_WEBM_OPUS, true
	case strings.Contains(m, "amr") || ext == ".amr":
		return speechpb.RecognitionConfig_AMR, true
	}
	return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, false
}

// ParseResponse joins the top alternative of each result and averages their
// confidence.
func ParseResponse(resp *speechpb.LongRunningRecognizeResponse) Result {
	out := Result{Provider: Provider}
	if resp == nil {
		return out
	}
	var parts []string
	var total float64
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		text := strings.TrimSpace(alts[0].GetTranscript())
		if text == "" {
			continue
		}
		parts = append(parts, text)
		total += float64(alts[0].GetConfidence())
		if out.Language == "" {
			out.Language = r.GetLanguageCode()
		}
	}
	out.Text = strings.Join(parts, " ")
	if len(parts) > 0 {
		out.Confidence = total / float64(len(parts))
	}
	return out
}

func sourceError(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return services.Wrap(services.ErrNotFound, stageName, "read", "audio file missing", err)
	}
	return services.Wrap(services.ErrValidation, stageName, "read", "audio file unreadable", err)
}
