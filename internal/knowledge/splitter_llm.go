package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// SplitGateway 外部大模型切分网关
type SplitGateway interface {
	SplitText(ctx context.Context, text string) ([]string, error)
	Ready() bool
}

// NoopSplitGateway 默认占位实现
type NoopSplitGateway struct{}

func (n *NoopSplitGateway) SplitText(ctx context.Context, text string) ([]string, error) {
	return nil, errors.New("llm split gateway not configured")
}

func (n *NoopSplitGateway) Ready() bool {
	return false
}

const splitSystemPrompt = "You split technical documentation into self-contained knowledge chunks. " +
	"Each chunk must be understandable on its own. " +
	"Reply with a JSON array of strings and nothing else."

// OpenAISplitGateway 通过OpenAI兼容的对话接口完成AI切分
type OpenAISplitGateway struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// NewOpenAISplitGateway 创建大模型切分网关
func NewOpenAISplitGateway(baseURL, apiKey, model string, maxTokens int, temperature float64) SplitGateway {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return &NoopSplitGateway{}
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	if maxTokens <= 0 {
		maxTokens = 4000
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAISplitGateway{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		maxTokens:   maxTokens,
		temperature: float32(temperature),
	}
}

func (g *OpenAISplitGateway) SplitText(ctx context.Context, text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: splitSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("llm split returned empty completion")
	}

	return parseChunkList(resp.Choices[0].Message.Content)
}

func (g *OpenAISplitGateway) Ready() bool {
	return g.client != nil
}

// parseChunkList 解析模型返回的JSON数组，兼容markdown代码块包裹
func parseChunkList(content string) ([]string, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var chunks []string
	if err := json.Unmarshal([]byte(content), &chunks); err != nil {
		return nil, errors.New("llm split returned malformed output")
	}

	result := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		chunk = strings.TrimSpace(chunk)
		if chunk != "" {
			result = append(result, chunk)
		}
	}
	return result, nil
}

// AISplitter 委托大模型网关决定切分边界
type AISplitter struct {
	gateway SplitGateway
}

// NewAISplitter 创建AI切分器
func NewAISplitter(gateway SplitGateway) *AISplitter {
	return &AISplitter{gateway: gateway}
}

func (s *AISplitter) Split(ctx context.Context, records []RawRecord, sourceFile string) ([]Candidate, error) {
	var candidates []Candidate
	for _, rec := range records {
		pieces, err := s.gateway.SplitText(ctx, rec.Detail)
		if err != nil {
			return nil, err
		}
		if len(pieces) == 0 {
			pieces = []string{strings.TrimSpace(rec.Detail)}
		}
		for _, piece := range pieces {
			cand := Candidate{
				RawRecord:  rec,
				SourceFile: sourceFile,
				SplitIndex: len(candidates),
			}
			cand.Detail = piece
			candidates = append(candidates, cand)
		}
	}
	return candidates, nil
}
