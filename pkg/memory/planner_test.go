package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBudget gives 1000 available tokens: compression above 800,
// eviction above 950.
func testBudget() *Budget {
	return &Budget{
		Ceiling:         2000,
		ResponseReserve: 500,
		ToolReserve:     500,
		Tiers: map[Tier]TierConfig{
			TierSystem:    {Min: 8},
			TierEphemeral: {Compressible: true},
			TierArchived:  {Compressible: true},
			TierResources: {Compressible: true},
		},
		RecentTurns:          0,
		CompressionThreshold: 0.8,
		EvictionThreshold:    0.95,
	}
}

// fixedSummarizer compresses any content to exactly the target.
type fixedSummarizer struct{}

func (fixedSummarizer) Summarize(content string, targetTokens int) (string, int, error) {
	if targetTokens < 1 {
		targetTokens = 1
	}
	return strings.Repeat("s", targetTokens), targetTokens, nil
}

func TestPrepareUnderThresholdLeavesContextAlone(t *testing.T) {
	s := NewStore(charEstimator{}, testBudget())
	id := s.AppendTagged(RoleUser, strings.Repeat("e", 800), TierEphemeral, PriorityNormal)

	p := NewPlanner(s, fixedSummarizer{})
	prepared, err := p.Prepare()
	require.NoError(t, err)

	// Exactly at the threshold is not over it.
	assert.Equal(t, 800, prepared.PromptTokens)
	m, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, MarkerRaw, m.Marker)
	assert.Equal(t, 500, prepared.ResponseReserve)
	assert.Equal(t, 500, prepared.ToolReserve)
}

func TestPrepareCompressesOverThreshold(t *testing.T) {
	s := NewStore(charEstimator{}, testBudget())
	s.AppendTagged(RoleSystem, strings.Repeat("x", 100), TierSystem, PriorityCritical)
	id := s.AppendTagged(RoleUser, strings.Repeat("e", 900), TierEphemeral, PriorityNormal)

	p := NewPlanner(s, fixedSummarizer{})
	prepared, err := p.Prepare()
	require.NoError(t, err)

	m, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, MarkerSummarized, m.Marker)
	assert.Equal(t, 270, m.Tokens) // default 0.3 compression target
	assert.Equal(t, 370, prepared.PromptTokens)
	assert.Equal(t, 2, s.Len())
}

func TestPrepareEvictsWhenCompressionIsNotEnough(t *testing.T) {
	s := NewStore(charEstimator{}, testBudget())
	s.AppendTagged(RoleSystem, strings.Repeat("x", 100), TierSystem, PriorityCritical)
	eph := s.AppendTagged(RoleUser, strings.Repeat("e", 400), TierEphemeral, PriorityNormal)
	for i := 0; i < 3; i++ {
		s.AppendTagged(RoleUser, strings.Repeat("r", 300), TierRecent, PriorityNormal)
	}

	// 1400 total: compression takes the ephemeral message to 120, still
	// over the eviction threshold, so the summary is evicted next.
	p := NewPlanner(s, fixedSummarizer{})
	prepared, err := p.Prepare()
	require.NoError(t, err)

	_, err = s.Get(eph)
	assert.ErrorIs(t, err, ErrUnknownMessage)
	assert.LessOrEqual(t, prepared.PromptTokens, testBudget().Available())
	assert.Equal(t, 1000, prepared.PromptTokens)
}

func TestPrepareEvictsOldestFirst(t *testing.T) {
	budget := testBudget()
	s := NewStore(charEstimator{}, budget)
	s.AppendTagged(RoleSystem, strings.Repeat("x", 100), TierSystem, PriorityCritical)
	oldest := s.AppendTagged(RoleUser, strings.Repeat("a", 300), TierRecent, PriorityNormal)
	for i := 0; i < 3; i++ {
		s.AppendTagged(RoleUser, strings.Repeat("b", 300), TierRecent, PriorityNormal)
	}

	// 1300 total, nothing compressible in the recent tier. RecentTurns is
	// zero, so even conversation history is fair game.
	p := NewPlanner(s, fixedSummarizer{})
	prepared, err := p.Prepare()
	require.NoError(t, err)

	_, err = s.Get(oldest)
	assert.ErrorIs(t, err, ErrUnknownMessage)
	assert.Equal(t, 1000, prepared.PromptTokens)
	assert.Equal(t, 4, s.Len())
}

func TestPrepareOverflowWhenNothingReclaimable(t *testing.T) {
	s := NewStore(charEstimator{}, testBudget())
	s.AppendTagged(RoleSystem, strings.Repeat("x", 1100), TierSystem, PriorityCritical)

	p := NewPlanner(s, fixedSummarizer{})
	_, err := p.Prepare()
	assert.ErrorIs(t, err, ErrBudgetOverflow)

	// The protected message is still there.
	assert.Equal(t, 1, s.Len())
}

func TestPrepareSkipsCriticalMessages(t *testing.T) {
	s := NewStore(charEstimator{}, testBudget())
	s.AppendTagged(RoleSystem, strings.Repeat("x", 100), TierSystem, PriorityCritical)
	keep := s.AppendTagged(RoleUser, strings.Repeat("k", 300), TierEphemeral, PriorityCritical)
	for i := 0; i < 3; i++ {
		s.AppendTagged(RoleUser, strings.Repeat("r", 300), TierRecent, PriorityNormal)
	}

	// Critical protects against eviction, not compression: the message
	// may be summarized but never removed. The recent tier pays instead.
	p := NewPlanner(s, fixedSummarizer{})
	_, err := p.Prepare()
	require.NoError(t, err)

	m, err := s.Get(keep)
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, m.Priority)
	assert.Equal(t, 4, s.Len())
}

func TestPrepareRejectsPendingToolResults(t *testing.T) {
	s := NewStore(charEstimator{}, testBudget())
	s.Append(RoleUser, "question")
	s.AppendAssistant("", []string{"call-1"})

	p := NewPlanner(s, nil)
	_, err := p.Prepare()
	assert.ErrorIs(t, err, ErrPendingToolResults)

	_, aerr := s.AppendToolResult("call-1", "search", "ok")
	require.NoError(t, aerr)
	_, err = p.Prepare()
	assert.NoError(t, err)
}

func TestBudgetValidate(t *testing.T) {
	assert.NoError(t, DefaultBudget().Validate())

	cases := []struct {
		name   string
		mutate func(*Budget)
	}{
		{"ceiling below minimum", func(b *Budget) { b.Ceiling = 512 }},
		{"negative response reserve", func(b *Budget) { b.ResponseReserve = -1 }},
		{"reserves exhaust ceiling", func(b *Budget) { b.ResponseReserve = 31000; b.ToolReserve = 1500 }},
		{"negative recent turns", func(b *Budget) { b.RecentTurns = -1 }},
		{"compression threshold zero", func(b *Budget) { b.CompressionThreshold = 0 }},
		{"eviction threshold above one", func(b *Budget) { b.EvictionThreshold = 1.5 }},
		{"tier min above max", func(b *Budget) { b.Tiers[TierRecent] = TierConfig{Min: 10, Max: 5} }},
		{"tier compression target above one", func(b *Budget) {
			b.Tiers[TierArchived] = TierConfig{Compressible: true, CompressionTarget: 2}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := DefaultBudget()
			tc.mutate(b)
			assert.Error(t, b.Validate())
		})
	}
}

func TestBudgetAvailable(t *testing.T) {
	b := DefaultBudget()
	assert.Equal(t, DefaultCeiling-DefaultResponseReserve-DefaultToolReserve, b.Available())
}

func TestTruncatingSummarizer(t *testing.T) {
	s := NewTruncatingSummarizer(nil)

	short, n, err := s.Summarize("tiny", 100)
	require.NoError(t, err)
	assert.Equal(t, "tiny", short)
	assert.Equal(t, 1, n)

	long := strings.Repeat("word ", 200)
	summary, n, err := s.Summarize(long, 50)
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 50)
	assert.True(t, strings.HasSuffix(summary, "[...]"))
	assert.Less(t, len(summary), len(long))

	// Determinism.
	again, m, err := s.Summarize(long, 50)
	require.NoError(t, err)
	assert.Equal(t, summary, again)
	assert.Equal(t, n, m)
}
