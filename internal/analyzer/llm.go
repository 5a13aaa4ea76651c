package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kalambet/hindsight/internal/storage"
)

const extractorSystemPrompt = `You extract durable, reusable rules from a conversation between a user and an AI assistant.
Look for corrections the user made and preferences the user stated.
Respond with only a JSON object of the form:
{"learnings":[{"type":"correction|positive|implicit","rule":"<imperative rule text>","confidence":<0.0-1.0>}]}
Return an empty list when the conversation contains no durable rules.`

const maxTranscriptChars = 12000

// Extractor is the model-backed learning analyzer. It talks to any
// OpenAI-compatible endpoint; whether a cloud endpoint may be used at all is
// decided at wiring time by the consent configuration, not here.
type Extractor struct {
	client *openai.Client
	model  string
}

// NewExtractor creates an extractor. baseURL may point at a local
// OpenAI-compatible server; empty means the hosted default.
func NewExtractor(apiKey, baseURL, model string) *Extractor {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Extractor{client: openai.NewClientWithConfig(cfg), model: model}
}

func (e *Extractor) Type() string { return TypeLearning }

func (e *Extractor) Analyze(ctx context.Context, conv storage.Conversation, msgs []storage.Message) ([]Candidate, error) {
	transcript := buildTranscript(conv, msgs)
	if transcript == "" {
		return nil, nil
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractorSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("extractor completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("extractor returned no choices")
	}

	return parseExtraction(resp.Choices[0].Message.Content)
}

func buildTranscript(conv storage.Conversation, msgs []storage.Message) string {
	var b strings.Builder
	if conv.Title != "" {
		b.WriteString("Topic: ")
		b.WriteString(conv.Title)
		b.WriteByte('\n')
	}
	for _, m := range msgs {
		if b.Len() >= maxTranscriptChars {
			break
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	s := b.String()
	if len(s) > maxTranscriptChars {
		s = s[:maxTranscriptChars]
	}
	return strings.TrimSpace(s)
}

// parseExtraction tolerates models that wrap the JSON object in markdown
// fences or conversational filler: it extracts the outermost braces before
// unmarshalling.
func parseExtraction(resp string) ([]Candidate, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object in extractor response")
	}

	var payload struct {
		Learnings []struct {
			Type       string  `json:"type"`
			Rule       string  `json:"rule"`
			Confidence float64 `json:"confidence"`
		} `json:"learnings"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("unmarshalling extractor response: %w", err)
	}

	var candidates []Candidate
	for _, l := range payload.Learnings {
		rule := strings.TrimSpace(l.Rule)
		if rule == "" {
			continue
		}
		learningType := l.Type
		switch learningType {
		case storage.LearningCorrection, storage.LearningPositive, storage.LearningImplicit:
		default:
			learningType = storage.LearningImplicit
		}
		confidence := l.Confidence
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
		candidates = append(candidates, Candidate{
			Kind:         KindLearning,
			LearningType: learningType,
			Rule:         rule,
			Confidence:   confidence,
		})
	}
	return candidates, nil
}
