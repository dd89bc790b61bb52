// Package contest defines the contest strategy interface and registry.
// Each contest game type implements Strategy; adding a new game only
// requires implementing the interface and registering it.
package contest

import "context"

// Outcome represents the evaluation of one attempt.
type Outcome struct {
	Won    bool   // Whether the answer qualifies for a winner slot
	Detail string // Human-readable evaluation detail
}

// Strategy decides whether an attempt wins a round of its game type. The
// round payload carries game-specific settings as JSON.
type Strategy interface {
	// GameType returns the round game type this strategy handles
	// (e.g., "button_pick", "text_answer").
	GameType() string

	// Name returns the strategy's display name.
	Name() string

	// ValidateAnswer checks the raw answer before evaluation.
	// Returns nil if valid, or an error describing the failure.
	ValidateAnswer(answer string) error

	// Evaluate decides whether answer wins against the round payload.
	// Winning here only qualifies the attempt; the winner cap is
	// enforced by the attempt service.
	Evaluate(ctx context.Context, payload, answer string) (*Outcome, error)
}
