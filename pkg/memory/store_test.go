package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-ai/kestrel/pkg/tokens"
)

// charEstimator makes token counts equal to content length so tests can
// reason about budgets exactly.
type charEstimator struct{}

func (charEstimator) Estimate(text string) int { return len(text) }

func (charEstimator) EstimateMessage(msg tokens.Message) int { return len(msg.Content) }

func TestAppendInfersTierFromRole(t *testing.T) {
	s := NewStore(nil, nil)

	sysID := s.AppendTagged(RoleSystem, "prompt", TierSystem, PriorityCritical)
	userID := s.Append(RoleUser, "hello")

	sys, err := s.Get(sysID)
	require.NoError(t, err)
	assert.Equal(t, TierSystem, sys.Tier)
	assert.Equal(t, PriorityCritical, sys.Priority)
	assert.Equal(t, MarkerRaw, sys.Marker)

	user, err := s.Get(userID)
	require.NoError(t, err)
	assert.Equal(t, TierRecent, user.Tier)
	assert.Equal(t, PriorityNormal, user.Priority)
}

func TestMessagesPreservesOrder(t *testing.T) {
	s := NewStore(nil, nil)
	s.Append(RoleUser, "first")
	s.Append(RoleAssistant, "second")
	s.Append(RoleUser, "third")

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, "third", msgs[2].Content)
}

func TestToolResultCorrelation(t *testing.T) {
	s := NewStore(nil, nil)
	s.Append(RoleUser, "do the thing")
	s.AppendAssistant("", []string{"call-1", "call-2"})

	assert.ElementsMatch(t, []string{"call-1", "call-2"}, s.PendingToolCalls())

	_, err := s.AppendToolResult("call-1", "search", "results")
	require.NoError(t, err)
	assert.Equal(t, []string{"call-2"}, s.PendingToolCalls())

	_, err = s.AppendToolResult("call-2", "search", "more results")
	require.NoError(t, err)
	assert.Empty(t, s.PendingToolCalls())
}

func TestOrphanToolResultRejected(t *testing.T) {
	s := NewStore(nil, nil)
	_, err := s.AppendToolResult("never-announced", "search", "results")
	assert.ErrorIs(t, err, ErrOrphanToolResult)
}

func TestReplaceContentPreservesIdentity(t *testing.T) {
	s := NewStore(nil, nil)
	id := s.AppendTagged(RoleUser, strings.Repeat("x", 400), TierArchived, PriorityNormal)

	require.NoError(t, s.ReplaceContent(id, "summary", 2, MarkerSummarized))

	m, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "summary", m.Content)
	assert.Equal(t, 2, m.Tokens)
	assert.Equal(t, MarkerSummarized, m.Marker)
	assert.Equal(t, TierArchived, m.Tier)

	assert.ErrorIs(t, s.ReplaceContent("missing", "x", 1, MarkerRaw), ErrUnknownMessage)
}

func TestEvictProtectsSystemFloor(t *testing.T) {
	budget := DefaultBudget()
	s := NewStore(nil, budget)

	only := s.AppendTagged(RoleSystem, "the prompt", TierSystem, PriorityCritical)
	err := s.Evict(only)
	assert.ErrorIs(t, err, ErrEvictionProtected)

	// With a second system message above the floor, one may go.
	budget.Tiers[TierSystem] = TierConfig{Min: 0}
	s.AppendTagged(RoleSystem, "extra guidance", TierSystem, PriorityNormal)
	assert.NoError(t, s.Evict(only))
}

func TestEvictProtectsPinnedRecentTurns(t *testing.T) {
	budget := DefaultBudget()
	budget.RecentTurns = 1
	s := NewStore(nil, budget)

	old := s.Append(RoleUser, "old question")
	s.Append(RoleAssistant, "old answer")
	s.Append(RoleUser, "new question")
	s.Append(RoleAssistant, "new answer")

	pinned := s.Pinned()
	assert.Len(t, pinned, 2)
	assert.False(t, pinned[old])

	// The newest turn is pinned, the oldest is not.
	assert.NoError(t, s.Evict(old))
	msgs := s.Messages()
	for _, m := range msgs[len(msgs)-2:] {
		assert.ErrorIs(t, s.Evict(m.ID), ErrEvictionProtected)
	}
}

func TestPinningDisabledWithZeroRecentTurns(t *testing.T) {
	budget := DefaultBudget()
	budget.RecentTurns = 0
	s := NewStore(nil, budget)

	s.Append(RoleUser, "question")
	s.Append(RoleAssistant, "answer")
	assert.Empty(t, s.Pinned())
}

func TestTierTokens(t *testing.T) {
	s := NewStore(charEstimator{}, nil)
	s.AppendTagged(RoleSystem, strings.Repeat("s", 10), TierSystem, PriorityCritical)
	s.AppendTagged(RoleUser, strings.Repeat("u", 20), TierRecent, PriorityNormal)
	s.AppendTagged(RoleUser, strings.Repeat("r", 30), TierResources, PriorityNormal)

	tiers := s.TierTokens()
	assert.Equal(t, 10, tiers[TierSystem])
	assert.Equal(t, 20, tiers[TierRecent])
	assert.Equal(t, 30, tiers[TierResources])
	assert.Equal(t, 60, s.TotalTokens())
}
