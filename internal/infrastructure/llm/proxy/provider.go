// Package proxy implements an LLM provider that forwards the whole request
// to an external callback rather than speaking a vendor wire dialect. The
// callback owns the model, so the proxy only moves service.LLMRequest out
// and service.LLMResponse back — there is no per-vendor translation layer.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentrun/gateway/internal/domain/entity"
	"github.com/agentrun/gateway/internal/domain/service"
	llm "github.com/agentrun/gateway/internal/infrastructure/llm"
	"github.com/agentrun/gateway/internal/infrastructure/llm/gateway"
	"go.uber.org/zap"
)

func init() {
	llm.RegisterFactory("proxy", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, gateway.StaticTokenSource(cfg.APIKey), logger)
	})
}

// Provider forwards LLMRequests to {callbackURL}/llm/{model}/call (or
// /stream) and decodes the callback's reply as a plain LLMResponse.
type Provider struct {
	name        string
	callbackURL string
	models      []string
	tokenSource gateway.TokenSource
	client      *http.Client
	logger      *zap.Logger
}

// New creates a proxy provider. tokenSource resolves the bearer token
// attached to every callback request; pass gateway.StaticTokenSource("") for
// callbacks that need no auth.
func New(cfg llm.ProviderConfig, tokenSource gateway.TokenSource, logger *zap.Logger) *Provider {
	return &Provider{
		name:        cfg.Name,
		callbackURL: strings.TrimRight(cfg.BaseURL, "/"),
		models:      cfg.Models,
		tokenSource: tokenSource,
		client:      &http.Client{Timeout: 120 * time.Second},
		logger:      logger.With(zap.String("provider", cfg.Name), zap.String("type", "proxy")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Name() string    { return p.name }
func (p *Provider) Models() []string { return p.models }

func (p *Provider) SupportsModel(model string) bool {
	if len(p.models) == 0 {
		return true
	}
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

func (p *Provider) IsAvailable(ctx context.Context) bool {
	return p.callbackURL != ""
}

func (p *Provider) buildRequest(ctx context.Context, path string, req *service.LLMRequest) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/llm/%s/%s", p.callbackURL, req.Model, path)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if p.tokenSource != nil {
		token, err := p.tokenSource(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve bearer token: %w", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	return httpReq, nil
}

// Generate implements service.LLMClient by POSTing to .../call and decoding
// the callback's JSON body as an LLMResponse verbatim.
func (p *Provider) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	httpReq, err := p.buildRequest(ctx, "call", req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("callback request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read callback response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("callback error %d: %s", resp.StatusCode, string(respBody))
	}

	var llmResp service.LLMResponse
	if err := json.Unmarshal(respBody, &llmResp); err != nil {
		return nil, fmt.Errorf("parse callback response: %w", err)
	}
	return &llmResp, nil
}

// GenerateStream POSTs to .../stream and reads an SSE body whose `data:`
// lines are JSON-encoded service.StreamChunk values terminated by a
// `data: [DONE]` sentinel, accumulating them into the final LLMResponse.
func (p *Provider) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	httpReq, err := p.buildRequest(ctx, "stream", req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("callback request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("callback error %d: %s", resp.StatusCode, string(respBody))
	}

	var contentBuilder strings.Builder
	var toolCalls []entity.ToolCallInfo
	var modelUsed string
	var tokensUsed int

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk service.StreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			p.logger.Warn("skipping malformed proxy stream chunk", zap.Error(err))
			continue
		}

		select {
		case deltaCh <- chunk:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if chunk.DeltaText != "" {
			contentBuilder.WriteString(chunk.DeltaText)
		}
		if chunk.DeltaToolCall != nil {
			toolCalls = append(toolCalls, *chunk.DeltaToolCall)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read proxy stream: %w", err)
	}

	if modelUsed == "" {
		modelUsed = req.Model
	}

	return &service.LLMResponse{
		Content:    contentBuilder.String(),
		ToolCalls:  toolCalls,
		ModelUsed:  modelUsed,
		TokensUsed: tokensUsed,
	}, nil
}
