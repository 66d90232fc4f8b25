// Package llm talks to an OpenAI-compatible chat completion endpoint for
// intent classification and answer generation.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/assistant/internal/domain/prompt"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

type Config struct {
	BaseURL         string
	APIKey          string
	Model           string
	ClassifierModel string
	Temperature     float32
	MaxTokens       int
}

// ChatAPI is the subset of the go-openai client used here.
type ChatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Client struct {
	api    ChatAPI
	cfg    Config
	logger zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return newClient(openai.NewClientWithConfig(oc), cfg, logger)
}

func newClient(api ChatAPI, cfg Config, logger zerolog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4o
	}
	if cfg.ClassifierModel == "" {
		cfg.ClassifierModel = cfg.Model
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.3
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 500
	}
	return &Client{api: api, cfg: cfg, logger: logger.With().Str("component", "llm").Logger()}
}

var errEmptyCompletion = errors.New("completion returned no choices")

// Complete sends msgs and returns the first choice's text.
func (c *Client) Complete(ctx context.Context, msgs []prompt.Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    toOpenAI(msgs),
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyCompletion
	}
	c.logger.Debug().
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Str("finish_reason", string(resp.Choices[0].FinishReason)).
		Msg("completion received")
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func toOpenAI(msgs []prompt.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case "system":
			role = openai.ChatMessageRoleSystem
		case "assistant":
			role = openai.ChatMessageRoleAssistant
		}
		out[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}
	return out
}

const classifierInstructions = `You are a query classifier for a healthcare assistant. Assign one or more of these labels to the user's latest question:
- data: requests for specific records (labs, medications, vitals, appointments, notes)
- explanation: requests to explain a medical term, result or concept
- analytics: requests for aggregated statistics, counts or trends
- recommendation: requests for advice on what to do
- action: requests to book, cancel, change or send something

Respond with a JSON object: {"intents": ["label", ...], "confidence": number between 0 and 1}.`

type classification struct {
	Intents    []string `json:"intents"`
	Confidence float64  `json:"confidence"`
}

// ClassifyIntents asks the classifier model for intent labels. tail holds
// the most recent user turns, oldest first.
func (c *Client) ClassifyIntents(ctx context.Context, query string, tail []string) ([]string, float64, error) {
	msgs := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: classifierInstructions}}
	for _, t := range tail {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: t})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: query})

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:          c.cfg.ClassifierModel,
		Messages:       msgs,
		Temperature:    0.1,
		MaxTokens:      60,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("classify: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, 0, errEmptyCompletion
	}
	return parseClassification(resp.Choices[0].Message.Content)
}

func parseClassification(content string) ([]string, float64, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var cl classification
	if err := json.Unmarshal([]byte(content), &cl); err != nil {
		return nil, 0, fmt.Errorf("decode classification: %w", err)
	}
	if cl.Confidence < 0 || cl.Confidence > 1 {
		return nil, 0, fmt.Errorf("confidence %v out of range", cl.Confidence)
	}
	return cl.Intents, cl.Confidence, nil
}
