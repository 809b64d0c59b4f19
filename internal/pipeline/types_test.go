package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageNext(t *testing.T) {
	t.Parallel()

	next, ok := StageDiscover.Next()
	assert.True(t, ok)
	assert.Equal(t, StageExtract, next)

	next, ok = StageClassify.Next()
	assert.True(t, ok)
	assert.Equal(t, StageIndex, next)

	_, ok = StageIndex.Next()
	assert.False(t, ok, "index is the final stage")
}

func TestStageValid(t *testing.T) {
	t.Parallel()

	for _, stage := range Stages {
		assert.True(t, stage.Valid(), "stage %s", stage)
	}
	assert.False(t, StageAll.Valid(), "all is a selector, not a stage")
	assert.False(t, Stage("transmogrify").Valid())
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusDone.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusInFlight.Terminal())
}

func TestProgressRemaining(t *testing.T) {
	t.Parallel()

	p := Progress{Total: 10, Pending: 3, InFlight: 2, Done: 4, Failed: 1}
	assert.Equal(t, int64(5), p.Remaining())
}
