package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeuristicEstimate(t *testing.T) {
	e := NewHeuristicEstimator()

	assert.Equal(t, 0, e.Estimate(""))
	assert.Equal(t, 0, e.Estimate("abc"))
	assert.Equal(t, 1, e.Estimate("abcd"))
	assert.Equal(t, 25, e.Estimate(strings.Repeat("x", 100)))
}

func TestHeuristicEstimateIsDeterministic(t *testing.T) {
	e := NewHeuristicEstimator()
	text := strings.Repeat("the quick brown fox ", 50)

	first := e.Estimate(text)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, e.Estimate(text))
	}
}

func TestHeuristicEstimateMessage(t *testing.T) {
	e := NewHeuristicEstimator()

	msg := Message{Role: "user", Content: strings.Repeat("a", 40)}
	// overhead + role + content
	assert.Equal(t, 3+1+10, e.EstimateMessage(msg))

	empty := Message{Role: "user"}
	assert.Equal(t, 3+1, e.EstimateMessage(empty))
}

func TestHeuristicNeverNegative(t *testing.T) {
	e := NewHeuristicEstimator()
	for _, text := range []string{"", "a", "ab", "abc", "\n", "🚀"} {
		assert.GreaterOrEqual(t, e.Estimate(text), 0)
		assert.GreaterOrEqual(t, e.EstimateMessage(Message{Content: text}), 0)
	}
}
