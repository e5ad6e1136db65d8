package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeterCharges(t *testing.T) {
	m := NewMeter(1000)
	require.NoError(t, m.Charge(400))
	require.NoError(t, m.Charge(600))
	assert.Equal(t, uint64(1000), m.Used())

	err := m.Charge(1)
	require.Error(t, err)

	var budgetErr *BudgetError
	require.True(t, errors.As(err, &budgetErr))
	assert.Equal(t, ErrFuelExhausted, budgetErr.Code)
	assert.Equal(t, int64(1000), budgetErr.Limit)
	assert.Equal(t, int64(1001), budgetErr.Consumed)
}

func TestMeterUnlimitedWhenZero(t *testing.T) {
	m := NewMeter(0)
	assert.NoError(t, m.Charge(1<<40))
}

func TestHostAllowed(t *testing.T) {
	allow := []string{"api.example.com", "oracle.internal"}

	assert.True(t, hostAllowed("https://api.example.com/v1/price", allow))
	assert.True(t, hostAllowed("http://ORACLE.INTERNAL/data", allow))
	assert.False(t, hostAllowed("https://evil.example.com/", allow))
	assert.False(t, hostAllowed("https://api.example.com.evil.net/", allow))
	assert.False(t, hostAllowed("://bad-url", allow))
	assert.False(t, hostAllowed("https://api.example.com/", nil), "empty allow-list denies all")
}

func TestDefaultBudget(t *testing.T) {
	b := DefaultBudget()
	assert.NotZero(t, b.FuelLimit)
	assert.NotZero(t, b.TimeLimit)
	assert.NotZero(t, b.MemoryLimitBytes)
}
