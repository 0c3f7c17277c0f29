package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/tutorline/pkg/tutor"
)

const tutorSystemPrompt = `You are an experienced English teacher helping %s-speaking students learn English through conversation.

Your role:
1. Have natural, engaging conversations with students
2. Adapt your language level to the student's proficiency
3. Gently correct grammar and pronunciation errors
4. Suggest more natural expressions when appropriate
5. Be encouraging and supportive

When responding:
- Keep responses conversational and natural
- Use clear, simple English for beginners
- Provide corrections in a helpful, non-judgmental way
- Suggest better expressions when relevant`

const correctionSystemPrompt = "You are an English grammar and expression expert."

const correctionPrompt = `Analyze this English sentence from a %[1]s-speaking learner and provide corrections:

Sentence: %[2]q

Provide a JSON response with:
1. "has_errors": boolean
2. "corrections": array of objects with:
   - "type": "grammar" | "vocabulary" | "pronunciation" | "expression"
   - "original": the incorrect part
   - "corrected": the correct version
   - "explanation": brief explanation in %[1]s
   - "severity": "low" | "medium" | "high"
3. "better_expression": a more natural way to say the same thing (if applicable)
4. "overall_feedback": brief encouraging feedback in %[1]s

Return only valid JSON.`

const starterSystemPrompt = "You are a friendly English teacher."

const starterPrompt = `Generate a natural conversation starter for a %s level English learner.
The topic should be casual and everyday. Keep it simple and friendly.
Just return the conversation starter, nothing else.`

// TutorConfig tunes the LLM-backed tutor
type TutorConfig struct {
	Model string
	// CorrectionModel defaults to Model
	CorrectionModel string
	// NativeLanguage is the learner's language used for explanations
	NativeLanguage string
	Temperature    float64
	MaxTokens      int
}

// LLMTutor implements Responder and Corrector on top of an LLMProvider
type LLMTutor struct {
	llm LLMProvider
	cfg TutorConfig
}

// NewLLMTutor creates a tutor
func NewLLMTutor(llm LLMProvider, cfg TutorConfig) *LLMTutor {
	if cfg.CorrectionModel == "" {
		cfg.CorrectionModel = cfg.Model
	}
	if cfg.NativeLanguage == "" {
		cfg.NativeLanguage = "Korean"
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	return &LLMTutor{llm: llm, cfg: cfg}
}

// Generate replies to the learner. history normally already ends with the
// learner's current turn; text is appended only when it does not.
func (t *LLMTutor) Generate(ctx context.Context, text string, history []tutor.Turn) (string, error) {
	messages := make([]LLMMessage, 0, len(history)+1)
	for _, turn := range history {
		messages = append(messages, LLMMessage{Role: string(turn.Role), Content: turn.Content})
	}
	if n := len(history); n == 0 || history[n-1].Role != tutor.RoleUser || history[n-1].Content != text {
		messages = append(messages, LLMMessage{Role: string(tutor.RoleUser), Content: text})
	}

	resp, err := t.llm.Call(ctx, LLMRequest{
		Model:        t.cfg.Model,
		Messages:     messages,
		Temperature:  t.cfg.Temperature,
		MaxTokens:    t.cfg.MaxTokens,
		SystemPrompt: fmt.Sprintf(tutorSystemPrompt, t.cfg.NativeLanguage),
	})
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}

	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", fmt.Errorf("generate reply: empty response")
	}
	return reply, nil
}

// Starter opens a conversation
func (t *LLMTutor) Starter(ctx context.Context, level string) (string, error) {
	if level == "" {
		level = "beginner"
	}
	resp, err := t.llm.Call(ctx, LLMRequest{
		Model:        t.cfg.Model,
		Messages:     []LLMMessage{{Role: "user", Content: fmt.Sprintf(starterPrompt, level)}},
		Temperature:  0.8,
		MaxTokens:    100,
		SystemPrompt: starterSystemPrompt,
	})
	if err != nil {
		return "", fmt.Errorf("generate starter: %w", err)
	}

	starter := strings.TrimSpace(resp.Content)
	if starter == "" {
		return "", fmt.Errorf("generate starter: empty response")
	}
	return starter, nil
}

type analysisPayload struct {
	HasErrors        bool               `json:"has_errors"`
	Corrections      []tutor.Correction `json:"corrections"`
	BetterExpression *string            `json:"better_expression"`
	OverallFeedback  string             `json:"overall_feedback"`
}

// Analyze asks the model for corrections and parses its JSON answer
func (t *LLMTutor) Analyze(ctx context.Context, text string) (tutor.CorrectionResult, error) {
	resp, err := t.llm.Call(ctx, LLMRequest{
		Model:        t.cfg.CorrectionModel,
		Messages:     []LLMMessage{{Role: "user", Content: fmt.Sprintf(correctionPrompt, t.cfg.NativeLanguage, text)}},
		Temperature:  0.3,
		MaxTokens:    800,
		SystemPrompt: correctionSystemPrompt,
	})
	if err != nil {
		return tutor.CorrectionResult{}, fmt.Errorf("analyze: %w", err)
	}
	return ParseAnalysis(resp.Content)
}

// ParseAnalysis decodes a correction analysis from model output, tolerating
// markdown fences and surrounding prose.
func ParseAnalysis(raw string) (tutor.CorrectionResult, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return tutor.CorrectionResult{}, fmt.Errorf("analyze: no JSON object in response")
	}

	var payload analysisPayload
	if err := json.Unmarshal([]byte(raw[start:end+1]), &payload); err != nil {
		return tutor.CorrectionResult{}, fmt.Errorf("analyze: decode response: %w", err)
	}

	result := tutor.CorrectionResult{
		HasErrors: payload.HasErrors,
		Feedback:  strings.TrimSpace(payload.OverallFeedback),
	}
	if payload.BetterExpression != nil {
		result.BetterExpression = strings.TrimSpace(*payload.BetterExpression)
	}
	for _, c := range payload.Corrections {
		if strings.TrimSpace(c.Original) == "" && strings.TrimSpace(c.Corrected) == "" {
			continue
		}
		result.Corrections = append(result.Corrections, c.Normalize())
	}
	return result, nil
}
