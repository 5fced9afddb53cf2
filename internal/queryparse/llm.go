package queryparse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kailas-cloud/trialmatch/internal/domain"
)

const systemPrompt = `You are a clinical trial query parser. Parse the user's free-text patient description and return ONLY a JSON object with the fields: age (integer or null), sex ("MALE", "FEMALE" or null), conditions (list of strings), medications (list of strings), extra_terms (list of strings), location (object with city, state, country strings, or null).
Rules:
- Use null when a value is not provided.
- Items must be short, canonical, de-duplicated, and lowercase except proper nouns.
- Do NOT invent exclusions or must-haves. Do NOT label trial criteria.
- Always include every key. When a list has no items, return an empty list [].
- extra_terms: short, grounded phrases from the input that add useful semantic context but don't fit other fields (e.g., 'oral therapy', 'telemedicine', 'double-blind', 'minimal clinic visits'). Only use content explicitly present; 1-3 words per term; max 8 terms; lowercase.
- Output strictly JSON with the keys above and nothing else.

Example:
Input: 42-year-old female with metastatic breast cancer, taking letrozole and palbociclib, in New York City, New York, United States, prefers oral therapy and minimal clinic visits.
Output:
{
  "age": 42,
  "sex": "FEMALE",
  "conditions": ["metastatic breast cancer"],
  "medications": ["letrozole", "palbociclib"],
  "extra_terms": ["oral therapy", "minimal clinic visits"],
  "location": {"city": "new york city", "state": "new york", "country": "united states"}
}`

// ChatCompleter is the slice of the OpenAI client the parser uses.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// LLMParser parses patient text with a chat completion model. Any service or
// schema failure degrades to the regex fallback; the request is never failed.
type LLMParser struct {
	client   ChatCompleter
	model    string
	fallback FallbackParser
	logger   *zap.Logger
}

// NewLLMParser creates a parser using the given chat model.
func NewLLMParser(client ChatCompleter, model string, logger *zap.Logger) *LLMParser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMParser{client: client, model: model, logger: logger}
}

// parsedQuery mirrors the JSON contract of the system prompt.
type parsedQuery struct {
	Age         *int                 `json:"age"`
	Sex         *string              `json:"sex"`
	Conditions  []string             `json:"conditions"`
	Medications []string             `json:"medications"`
	ExtraTerms  []string             `json:"extra_terms"`
	Location    *domain.LocationHint `json:"location"`
}

// Parse runs the completion and validates the returned JSON. On failure it
// returns the fallback parse marked degraded, never an error.
func (p *LLMParser) Parse(ctx context.Context, text string) (domain.StructuredQuery, error) {
	parsed, err := p.complete(ctx, text)
	if err != nil {
		p.logger.Warn("query parse degraded to fallback", zap.Error(err))
		return p.fallback.Parse(ctx, text)
	}

	q := domain.StructuredQuery{
		Age:         parsed.Age,
		Conditions:  parsed.Conditions,
		Medications: parsed.Medications,
		ExtraTerms:  parsed.ExtraTerms,
		Location:    parsed.Location,
		Intent:      strings.TrimSpace(text),
	}
	if parsed.Sex != nil {
		q.Sex = domain.Sex(strings.ToUpper(*parsed.Sex))
	}
	return q, nil
}

func (p *LLMParser) complete(ctx context.Context, text string) (*parsedQuery, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: empty response")
	}

	parsed, err := coerceReply(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	return parsed, nil
}

// coerceReply parses the model output, tolerating code fences and prose around
// the JSON object, and validates the structure.
func coerceReply(raw string) (*parsedQuery, error) {
	stripped := strings.TrimSpace(raw)
	if stripped == "" {
		return nil, fmt.Errorf("parser returned empty content")
	}

	var parsed parsedQuery
	if err := json.Unmarshal([]byte(stripped), &parsed); err != nil {
		start := strings.Index(stripped, "{")
		end := strings.LastIndex(stripped, "}")
		if start == -1 || end <= start {
			return nil, fmt.Errorf("parser returned non-JSON content")
		}
		if err := json.Unmarshal([]byte(stripped[start:end+1]), &parsed); err != nil {
			return nil, fmt.Errorf("parser returned malformed JSON: %w", err)
		}
	}

	if err := validateReply(&parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

func validateReply(parsed *parsedQuery) error {
	if parsed.Age != nil && (*parsed.Age <= 0 || *parsed.Age > 120) {
		return fmt.Errorf("parsed age %d out of range", *parsed.Age)
	}
	if parsed.Sex != nil {
		switch strings.ToUpper(*parsed.Sex) {
		case "MALE", "FEMALE":
		default:
			return fmt.Errorf("parsed sex %q not recognized", *parsed.Sex)
		}
	}
	for _, list := range [][]string{parsed.Conditions, parsed.Medications, parsed.ExtraTerms} {
		for _, item := range list {
			if strings.TrimSpace(item) == "" {
				return fmt.Errorf("parsed list contains an empty item")
			}
		}
	}
	return nil
}
