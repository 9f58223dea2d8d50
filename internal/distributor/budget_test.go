package distributor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudget(t *testing.T) {
	b := NewBudget(2)
	ctx := context.Background()

	r1, err := b.Acquire(ctx)
	require.NoError(t, err)
	r2, err := b.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Remaining())

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = b.Acquire(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	r1()
	r1()
	assert.Equal(t, 1, b.Remaining())
	require.NoError(t, b.WaitAvailable(ctx))
	assert.Equal(t, 1, b.Remaining())

	r2()
	assert.Equal(t, 2, b.Remaining())
	assert.Equal(t, 2, b.Max())
}

func TestBudgetMinimum(t *testing.T) {
	assert.Equal(t, 1, NewBudget(0).Max())
	assert.Equal(t, 1, NewBudget(-3).Max())
}
