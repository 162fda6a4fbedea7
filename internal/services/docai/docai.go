// Package docai is the extraction gateway. Plain-text documents are read
// locally; PDF, DOCX and images are sent to a Google Cloud Document AI
// processor as raw documents.
package docai

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/api/option"

	"capsule/internal/services"
)

const (
	// ProviderLocal marks text read straight from disk.
	ProviderLocal = "local"
	// ProviderDocumentAI marks text produced by a Document AI processor.
	ProviderDocumentAI = "gcp_documentai"

	// CodeDocEmpty tags an extraction that produced no text.
	CodeDocEmpty = "doc_empty"

	// MaxOnlineBytes is the online processing request limit.
	MaxOnlineBytes = 20 << 20

	defaultLocation = "us"
	defaultTimeout  = 3 * time.Minute
	stageName       = "extraction"
)

var localTypes = map[string]string{
	".txt":      "text/plain",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".csv":      "text/csv",
	".json":     "application/json",
}

var processorTypes = map[string]string{
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".webp": "image/webp",
}

// Config identifies the processor.
type Config struct {
	CredentialsFile  string
	ProjectID        string
	Location         string
	ProcessorID      string
	ProcessorVersion string
	Timeout          time.Duration
}

// Result is extracted document text.
type Result struct {
	Text      string
	MimeType  string
	PageCount int
	Provider  string
}

// ProcessFunc runs one online processing request.
type ProcessFunc func(ctx context.Context, req *documentaipb.ProcessRequest) (*documentaipb.ProcessResponse, error)

// Client extracts text from documents.
type Client struct {
	cfg     Config
	process ProcessFunc
	closer  func() error
}

// New dials Document AI when a processor is configured. Without one the
// client still extracts local text types.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ProcessorID) == "" {
		return NewWithProcessor(cfg, nil), nil
	}
	location := strings.TrimSpace(cfg.Location)
	if location == "" {
		location = defaultLocation
	}
	opts := []option.ClientOption{option.WithEndpoint(fmt.Sprintf("%s-documentai.googleapis.com:443", location))}
	if path := strings.TrimSpace(cfg.CredentialsFile); path != "" {
		opts = append(opts, option.WithCredentialsFile(path))
	}
	api, err := documentai.NewDocumentProcessorClient(ctx, opts...)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, stageName, "dial", "create document ai client", err)
	}
	process := func(ctx context.Context, req *documentaipb.ProcessRequest) (*documentaipb.ProcessResponse, error) {
		return api.ProcessDocument(ctx, req)
	}
	client := NewWithProcessor(cfg, process)
	client.closer = api.Close
	return client, nil
}

// NewWithProcessor builds a client around an existing process function.
func NewWithProcessor(cfg Config, process ProcessFunc) *Client {
	if strings.TrimSpace(cfg.Location) == "" {
		cfg.Location = defaultLocation
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{cfg: cfg, process: process}
}

// Close releases the underlying API connection.
func (c *Client) Close() error {
	if c == nil || c.closer == nil {
		return nil
	}
	return c.closer()
}

// IsLocal reports whether path is a text type read without a processor.
func IsLocal(path string) bool {
	_, ok := localTypes[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Supported reports whether path can be extracted at all.
func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, local := localTypes[ext]
	_, remote := processorTypes[ext]
	return local || remote
}

// MimeType returns the MIME type used for path, falling back to the
// platform table for unknown extensions.
func MimeType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := localTypes[ext]; ok {
		return t
	}
	if t, ok := processorTypes[ext]; ok {
		return t
	}
	return mime.TypeByExtension(ext)
}

// Extract returns the text of the document at path.
func (c *Client) Extract(ctx context.Context, path string) (Result, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if mimeType, ok := localTypes[ext]; ok {
		return c.extractLocal(path, mimeType)
	}
	mimeType, ok := processorTypes[ext]
	if !ok {
		return Result{}, services.Wrap(services.ErrUnsupported, stageName, "extract",
			fmt.Sprintf("unsupported document format %q", ext), nil)
	}
	return c.extractRemote(ctx, path, mimeType)
}

func (c *Client) extractLocal(path, mimeType string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, sourceError(err)
	}
	if !utf8.Valid(data) {
		return Result{}, services.Wrap(services.ErrUnsupported, stageName, "extract", "text document is not valid utf-8", nil)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return Result{}, emptyError()
	}
	return Result{Text: text, MimeType: mimeType, PageCount: 1, Provider: ProviderLocal}, nil
}

func (c *Client) extractRemote(ctx context.Context, path, mimeType string) (Result, error) {
	if c.process == nil {
		return Result{}, services.Wrap(services.ErrConfiguration, stageName, "extract", "document ai processor not configured", nil)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, sourceError(err)
	}
	if info.Size() > MaxOnlineBytes {
		return Result{}, services.Wrap(services.ErrTooLarge, stageName, "extract",
			fmt.Sprintf("document is %d bytes, online limit is %d", info.Size(), MaxOnlineBytes), nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, sourceError(err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := &documentaipb.ProcessRequest{
		Name: c.ProcessorName(),
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{Content: data, MimeType: mimeType},
		},
	}
	resp, err := c.process(ctx, req)
	if err != nil {
		return Result{}, services.Wrap(services.ErrExternalTool, stageName, "process", "process document", err)
	}
	doc := resp.GetDocument()
	text := strings.TrimSpace(doc.GetText())
	if text == "" {
		return Result{}, emptyError()
	}
	return Result{
		Text:      text,
		MimeType:  mimeType,
		PageCount: len(doc.GetPages()),
		Provider:  ProviderDocumentAI,
	}, nil
}

// ProcessorName is the fully qualified processor resource name.
func (c *Client) ProcessorName() string {
	name := fmt.Sprintf("projects/%s/locations/%s/processors/%s",
		strings.TrimSpace(c.cfg.ProjectID), strings.TrimSpace(c.cfg.Location), strings.TrimSpace(c.cfg.ProcessorID))
	if version := strings.TrimSpace(c.cfg.ProcessorVersion); version != "" {
		name += "/processorVersions/" + version
	}
	return name
}

func emptyError() error {
	return services.WithCode(
		services.Wrap(services.ErrNoContent, stageName, "extract", "document contains no text", nil),
		CodeDocEmpty,
	)
}

func sourceError(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return services.Wrap(services.ErrNotFound, stageName, "read", "document missing", err)
	}
	return services.Wrap(services.ErrValidation, stageName, "read", "document unreadable", err)
}
