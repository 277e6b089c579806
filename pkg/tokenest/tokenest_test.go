package tokenest_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/llm-gateway/pkg/tokenest"
)

func TestTokens_RoundsUp(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, tokenest.Tokens(0))
	assert.Equal(t, 1, tokenest.Tokens(1))
	assert.Equal(t, 1, tokenest.Tokens(4))
	assert.Equal(t, 2, tokenest.Tokens(5))
}

func TestCost_Formula(t *testing.T) {
	t.Parallel()
	// cost_per_unit * ceil(chars/4) / 1000
	assert.InDelta(t, 0.003*2.0/1000, tokenest.Cost(0.003, 8), 1e-12)
	assert.Zero(t, tokenest.Cost(0.003, 0))
}
