package llm

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

	"github.com/RichardoC/padi-relay/internal/models"
	"github.com/RichardoC/padi-relay/internal/stream"
	"go.uber.org/zap"
)

const maxErrorBody = 64 * 1024

type Service struct {
	endpoint   string
	token      string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

// ChatMessage is one entry of the provider's messages array.
type ChatMessage struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

type Request struct {
	Messages []ChatMessage
	Thinking bool
}

type completionRequest struct {
	Model         string        `json:"model"`
	Messages      []ChatMessage `json:"messages"`
	Stream        bool          `json:"stream"`
	StreamOptions streamOptions `json:"stream_options"`
	Thinking      thinking      `json:"thinking"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type thinking struct {
	Type string `json:"type"`
}

// New builds a client for an OpenAI-compatible chat completions endpoint
// rooted at baseURL. headerTimeout bounds the wait for response headers only;
// the body stream itself is bounded by the caller's context.
func New(baseURL, token, model string, headerTimeout time.Duration, logger *zap.Logger) (*Service, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("llm: base URL is required")
	}
	if model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &Service{
		endpoint:   strings.TrimSuffix(baseURL, "/") + "/chat/completions",
		token:      token,
		model:      model,
		httpClient: &http.Client{Transport: transport},
		logger:     logger,
	}, nil
}

// Stream opens a streaming completion and calls onDelta once per renderable
// delta, in provider order. The next upstream read happens only after onDelta
// returns; an error from onDelta aborts the stream and is returned as is.
func (s *Service) Stream(ctx context.Context, req Request, onDelta func(Delta) error) (*Usage, error) {
	body := completionRequest{
		Model:         s.model,
		Messages:      req.Messages,
		Stream:        true,
		StreamOptions: streamOptions{IncludeUsage: true},
		Thinking:      thinking{Type: "disabled"},
	}
	if req.Thinking {
		body.Thinking.Type = "enabled"
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}

	s.logger.Debug("Opening upstream stream",
		zap.String("endpoint", s.endpoint),
		zap.String("model", s.model),
		zap.Int("messages", len(req.Messages)),
		zap.Bool("thinking", req.Thinking))

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Error("Upstream request failed", zap.Error(err))
		return nil, &UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		s.logger.Error("Upstream returned non-success status",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", errBody))
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(errBody)}
	}

	var usage *Usage
	var callbackErr error
	err = stream.Scan(ctx, resp.Body, s.logger, func(f stream.Frame) error {
		if f.Kind == stream.FrameDone {
			return nil
		}
		if u := usageFrom(f.Data); u != nil {
			usage = u
		}
		d, ok, err := NormalizeFrame(f.Data)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := onDelta(d); err != nil {
			callbackErr = err
			return err
		}
		return nil
	})
	switch {
	case err == nil:
		return usage, nil
	case callbackErr != nil:
		return usage, callbackErr
	case ctx.Err() != nil:
		return usage, ctx.Err()
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		s.logger.Error("Upstream stream reported an error", zap.Error(err))
		return usage, err
	}
	s.logger.Error("Upstream stream read failed", zap.Error(err))
	return usage, &UpstreamError{Err: err}
}
