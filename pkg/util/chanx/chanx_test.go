package chanx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendNeverBlocks(t *testing.T) {
	u := NewUnbounded[int]()
	defer u.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			u.Send(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sends blocked with no consumer")
	}
}

func TestFIFOOrder(t *testing.T) {
	u := NewUnbounded[int]()
	for i := 0; i < 100; i++ {
		u.Send(i)
	}
	u.Close()

	var got []int
	for v := range u.Out() {
		got = append(got, v)
	}
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestCloseDrainsThenEnds(t *testing.T) {
	u := NewUnbounded[string]()
	u.Send("a")
	u.Send("b")
	u.Close()
	u.Send("dropped after close")

	var got []string
	for v := range u.Out() {
		got = append(got, v)
	}
	assert.Equal(t, []string{"a", "b"}, got)
}
