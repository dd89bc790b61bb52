package contest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	require.Error(t, r.Register(nil))
	require.NoError(t, r.Register(NewButtonPickStrategy()))
	require.NoError(t, r.Register(NewTextAnswerStrategy()))
	assert.Equal(t, 2, r.Count())

	s, ok := r.Get("button_pick")
	require.True(t, ok)
	assert.Equal(t, "Lucky Button", s.Name())

	_, ok = r.Get("roulette")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"button_pick", "text_answer"}, r.GameTypes())
}

func TestButtonPickStrategy_Evaluate(t *testing.T) {
	s := NewButtonPickStrategy()
	ctx := context.Background()
	payload := `{"buttons":4,"winning":2}`

	tests := []struct {
		name   string
		answer string
		won    bool
	}{
		{"winning button", "2", true},
		{"losing button", "0", false},
		{"out of range", "7", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := s.Evaluate(ctx, payload, tt.answer)
			require.NoError(t, err)
			assert.Equal(t, tt.won, outcome.Won)
		})
	}

	_, err := s.Evaluate(ctx, payload, "not-a-number")
	require.Error(t, err)

	_, err = s.Evaluate(ctx, `{"buttons":0}`, "1")
	require.Error(t, err)
}

func TestButtonPickStrategy_ValidateAnswer(t *testing.T) {
	s := NewButtonPickStrategy()

	require.NoError(t, s.ValidateAnswer("3"))
	require.Error(t, s.ValidateAnswer("-1"))
	require.Error(t, s.ValidateAnswer("abc"))
}

func TestTextAnswerStrategy_Evaluate(t *testing.T) {
	s := NewTextAnswerStrategy()
	ctx := context.Background()

	outcome, err := s.Evaluate(ctx, `{"answer":"Amsterdam"}`, "  amsterdam ")
	require.NoError(t, err)
	assert.True(t, outcome.Won)

	outcome, err = s.Evaluate(ctx, `{"answer":"Amsterdam","case_sensitive":true}`, "amsterdam")
	require.NoError(t, err)
	assert.False(t, outcome.Won)

	outcome, err = s.Evaluate(ctx, `{"answer":"42"}`, "41")
	require.NoError(t, err)
	assert.False(t, outcome.Won)

	_, err = s.Evaluate(ctx, `{}`, "anything")
	require.Error(t, err)
}

func TestTextAnswerStrategy_ValidateAnswer(t *testing.T) {
	s := NewTextAnswerStrategy()

	require.NoError(t, s.ValidateAnswer("42"))
	require.Error(t, s.ValidateAnswer("   "))
}
