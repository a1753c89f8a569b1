package auditor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// GenRequest is one call to the generation service: zero or more document
// references plus free text, under a single user-role message.
type GenRequest struct {
	FileURIs []string
	Prompt   string
}

// Generator is the external generation service at its interface: given a
// request it returns either a typed payload (GenerateJSON unmarshals into
// out) or plain text. Both must tolerate an empty result without failing;
// fallback logic upstream depends on that.
type Generator interface {
	GenerateJSON(ctx context.Context, req GenRequest, out any) error
	GenerateText(ctx context.Context, req GenRequest) (string, error)
}

// GenClient is the HTTP implementation. Every call carries an explicit
// deadline so an unresponsive service surfaces as a stage-call failure, not
// a hang.
type GenClient struct {
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration
	http    *http.Client
	log     zerolog.Logger
}

func NewGenClient(cfg RemoteConfig, log zerolog.Logger) *GenClient {
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &GenClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		timeout: timeout,
		log:     log,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:   true,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

type genPart struct {
	FileURI string `json:"file_uri,omitempty"`
	Text    string `json:"text,omitempty"`
}

type genContent struct {
	Role  string    `json:"role"`
	Parts []genPart `json:"parts"`
}

type genPayload struct {
	Model            string       `json:"model"`
	Contents         []genContent `json:"contents"`
	ResponseMimeType string       `json:"response_mime_type,omitempty"`
}

type genResult struct {
	Text string `json:"text"`
}

func (c *GenClient) GenerateJSON(ctx context.Context, req GenRequest, out any) error {
	text, err := c.call(ctx, req, "application/json")
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("%w: unparseable typed output: %v", ErrStageCall, err)
	}
	return nil
}

func (c *GenClient) GenerateText(ctx context.Context, req GenRequest) (string, error) {
	return c.call(ctx, req, "text/plain")
}

func (c *GenClient) call(ctx context.Context, req GenRequest, responseMime string) (string, error) {
	parts := make([]genPart, 0, len(req.FileURIs)+1)
	for _, uri := range req.FileURIs {
		parts = append(parts, genPart{FileURI: uri})
	}
	parts = append(parts, genPart{Text: req.Prompt})

	payload, err := json.Marshal(genPayload{
		Model:            c.model,
		Contents:         []genContent{{Role: "user", Parts: parts}},
		ResponseMimeType: responseMime,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(request)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStageCall, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %s", ErrStageCall, resp.Status)
	}

	var decoded genResult
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrStageCall, err)
	}
	c.log.Debug().Int("files", len(req.FileURIs)).Dur("elapsed", time.Since(start)).Msg("generation call done")
	return decoded.Text, nil
}
