package tutor

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in a session's conversation history.
// Content is fixed at creation; AudioRef and VideoRef may be attached later.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	AudioRef  string    `json:"audioRef,omitempty"`
	VideoRef  string    `json:"videoRef,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewTurn creates a turn with a fresh identifier
func NewTurn(role Role, content string) Turn {
	return Turn{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// CorrectionKind classifies a correction
type CorrectionKind string

const (
	KindGrammar       CorrectionKind = "grammar"
	KindVocabulary    CorrectionKind = "vocabulary"
	KindPronunciation CorrectionKind = "pronunciation"
	KindExpression    CorrectionKind = "expression"
)

// Severity ranks how serious a correction is
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Correction is a single language error found in a user turn
type Correction struct {
	Kind        CorrectionKind `json:"type"`
	Original    string         `json:"original"`
	Corrected   string         `json:"corrected"`
	Explanation string         `json:"explanation"`
	Severity    Severity       `json:"severity"`
}

// CorrectionResult is the outcome of analyzing one user utterance
type CorrectionResult struct {
	HasErrors        bool         `json:"hasErrors"`
	Corrections      []Correction `json:"corrections"`
	BetterExpression string       `json:"betterExpression,omitempty"`
	Feedback         string       `json:"feedback,omitempty"`
}

// Found reports whether the result carries anything worth showing the learner
func (r CorrectionResult) Found() bool {
	return r.HasErrors || len(r.Corrections) > 0
}

// Normalize fills in defaults for unknown kinds and severities
func (c Correction) Normalize() Correction {
	switch c.Kind {
	case KindGrammar, KindVocabulary, KindPronunciation, KindExpression:
	default:
		c.Kind = KindGrammar
	}
	switch c.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh:
	default:
		c.Severity = SeverityMedium
	}
	return c
}
