// Package search provides the best-effort web search used to enrich a chat
// turn. A failed or empty search never fails the turn.
package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/tools"
	"github.com/tmc/langchaingo/tools/duckduckgo"
	"go.uber.org/zap"
)

const (
	ProviderNone       = "none"
	ProviderDuckDuckGo = "duckduckgo"
)

// duckduckgo.Tool reports an empty result set as this text with a nil error.
const duckDuckGoNoResult = "No good DuckDuckGo Search Results was found"

// Searcher returns an opaque snapshot of results for query, or "" when
// there is nothing to use.
type Searcher interface {
	Search(ctx context.Context, query string) string
}

// Nop never finds anything.
type Nop struct{}

func (Nop) Search(context.Context, string) string { return "" }

// ToolSearcher runs a langchaingo tool as the search backend.
type ToolSearcher struct {
	tool     tools.Tool
	timeout  time.Duration
	noResult string
	logger   *zap.Logger
}

func NewToolSearcher(tool tools.Tool, timeout time.Duration, logger *zap.Logger) *ToolSearcher {
	return &ToolSearcher{tool: tool, timeout: timeout, logger: logger}
}

// WithNoResult sets the text the tool returns in place of an empty result
// set. Search treats it as no results.
func (s *ToolSearcher) WithNoResult(text string) *ToolSearcher {
	s.noResult = text
	return s
}

func (s *ToolSearcher) Search(ctx context.Context, query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return ""
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	result, err := s.tool.Call(ctx, query)
	if err != nil {
		s.logger.Warn("Search failed",
			zap.String("tool", s.tool.Name()),
			zap.Error(err))
		return ""
	}
	result = strings.TrimSpace(result)
	if s.noResult != "" && result == s.noResult {
		s.logger.Debug("Search found nothing", zap.String("tool", s.tool.Name()))
		return ""
	}
	return result
}

type Config struct {
	Provider   string
	MaxResults int
	UserAgent  string
	Timeout    time.Duration
}

// New builds the searcher named by cfg.Provider.
func New(cfg Config, logger *zap.Logger) (Searcher, error) {
	switch cfg.Provider {
	case "", ProviderNone:
		return Nop{}, nil
	case ProviderDuckDuckGo:
		tool, err := duckduckgo.New(cfg.MaxResults, cfg.UserAgent)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize duckduckgo search: %w", err)
		}
		return NewToolSearcher(tool, cfg.Timeout, logger).WithNoResult(duckDuckGoNoResult), nil
	}
	return nil, fmt.Errorf("unknown search provider %q", cfg.Provider)
}

// Augment appends the search snapshot to the user's message so the model
// can ground its answer on it.
func Augment(message, results string) string {
	if results == "" {
		return message
	}
	return message + "\n\nReference web search results:\n" + results +
		"\n\nAnswer the question using the search results above and your own knowledge."
}
