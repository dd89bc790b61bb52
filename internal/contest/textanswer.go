package contest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// TextAnswerStrategy is the quiz contest: the round payload fixes the
// expected answer, the attempt answer is free text.
type TextAnswerStrategy struct{}

// NewTextAnswerStrategy creates a text-answer strategy.
func NewTextAnswerStrategy() *TextAnswerStrategy {
	return &TextAnswerStrategy{}
}

// textAnswerPayload is the round configuration.
type textAnswerPayload struct {
	Answer        string `json:"answer"`
	CaseSensitive bool   `json:"case_sensitive"`
}

// GameType returns "text_answer".
func (s *TextAnswerStrategy) GameType() string {
	return "text_answer"
}

// Name returns the display name.
func (s *TextAnswerStrategy) Name() string {
	return "Quiz"
}

// ValidateAnswer checks that the answer is non-empty.
func (s *TextAnswerStrategy) ValidateAnswer(answer string) error {
	if strings.TrimSpace(answer) == "" {
		return fmt.Errorf("answer cannot be empty")
	}
	return nil
}

// Evaluate compares the answer with the expected one, trimming whitespace
// and folding case unless the round demands exact casing.
func (s *TextAnswerStrategy) Evaluate(ctx context.Context, payload, answer string) (*Outcome, error) {
	var p textAnswerPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("invalid text answer payload: %w", err)
	}
	if p.Answer == "" {
		return nil, fmt.Errorf("invalid text answer payload: answer must be set")
	}

	got := strings.TrimSpace(answer)
	want := strings.TrimSpace(p.Answer)
	if !p.CaseSensitive {
		got = strings.ToLower(got)
		want = strings.ToLower(want)
	}

	if got == want {
		return &Outcome{Won: true, Detail: "correct answer"}, nil
	}
	return &Outcome{Won: false, Detail: "wrong answer"}, nil
}
