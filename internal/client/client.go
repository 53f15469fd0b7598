// Package client talks to the relay server over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/RichardoC/padi-relay/internal/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// New returns a client for the relay at baseURL, e.g. "http://localhost:8100".
func New(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// ChatRequest mirrors the relay's POST /api/chat body.
type ChatRequest struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	EnableThinking bool   `json:"enableThinking,omitempty"`
	EnableSearch   bool   `json:"enableSearch,omitempty"`
}

// Send submits one turn and folds the event stream into h until the relay
// closes it.
func (c *Client) Send(ctx context.Context, req ChatRequest, h Handlers) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "failed to send chat message")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp, "chat request failed")
	}
	return Fold(ctx, resp.Body, c.logger, h)
}

func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.doJSON(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, errors.Wrap(err, "failed to fetch conversations")
	}
	return out, nil
}

func (c *Client) CreateConversation(ctx context.Context) (*models.Conversation, error) {
	var out models.Conversation
	if err := c.doJSON(ctx, http.MethodPost, "/api/conversations", nil, &out); err != nil {
		return nil, errors.Wrap(err, "failed to create conversation")
	}
	if out.Messages == nil {
		out.Messages = []models.Message{}
	}
	return &out, nil
}

func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	err := c.doJSON(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(id), nil, nil)
	return errors.Wrap(err, "failed to delete conversation")
}

func (c *Client) RenameConversation(ctx context.Context, id, title string) error {
	err := c.doJSON(ctx, http.MethodPut, "/api/conversations/"+url.PathEscape(id), map[string]string{"title": title}, nil)
	return errors.Wrap(err, "failed to rename conversation")
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp, "request failed")
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// responseError reads the relay's {"error": ...} body, falling back to fallback.
func responseError(resp *http.Response, fallback string) error {
	var e struct {
		Error string `json:"error"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		return errors.Errorf("%s (status %d)", e.Error, resp.StatusCode)
	}
	return errors.Errorf("%s (status %d)", fallback, resp.StatusCode)
}
