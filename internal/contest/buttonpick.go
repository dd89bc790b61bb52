package contest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// ButtonPickStrategy is the guess-the-button contest: the round payload
// fixes a winning button index, the attempt answer is the picked index.
type ButtonPickStrategy struct{}

// NewButtonPickStrategy creates a button-pick strategy.
func NewButtonPickStrategy() *ButtonPickStrategy {
	return &ButtonPickStrategy{}
}

// buttonPickPayload is the round configuration.
type buttonPickPayload struct {
	Buttons int `json:"buttons"`
	Winning int `json:"winning"`
}

// GameType returns "button_pick".
func (s *ButtonPickStrategy) GameType() string {
	return "button_pick"
}

// Name returns the display name.
func (s *ButtonPickStrategy) Name() string {
	return "Lucky Button"
}

// ValidateAnswer checks that the answer is a non-negative integer.
func (s *ButtonPickStrategy) ValidateAnswer(answer string) error {
	n, err := strconv.Atoi(answer)
	if err != nil {
		return fmt.Errorf("answer must be a button index: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("button index cannot be negative")
	}
	return nil
}

// Evaluate compares the picked index with the winning one.
func (s *ButtonPickStrategy) Evaluate(ctx context.Context, payload, answer string) (*Outcome, error) {
	var p buttonPickPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("invalid button pick payload: %w", err)
	}
	if p.Buttons <= 0 {
		return nil, fmt.Errorf("invalid button pick payload: buttons must be positive")
	}

	picked, err := strconv.Atoi(answer)
	if err != nil {
		return nil, fmt.Errorf("answer must be a button index: %w", err)
	}
	if picked < 0 || picked >= p.Buttons {
		return &Outcome{Won: false, Detail: "picked button out of range"}, nil
	}

	if picked == p.Winning {
		return &Outcome{Won: true, Detail: "picked the lucky button"}, nil
	}
	return &Outcome{Won: false, Detail: "wrong button"}, nil
}
