package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type status string

func TestRecorder_RecordsInOrder(t *testing.T) {
	r := NewRecorder[status]()

	r.Record("pending")
	r.Record("confirmed")

	assert.Equal(t, []status{"pending", "confirmed"}, r.Values())
	assert.Equal(t, []string{"pending", "confirmed"}, r.Strings())
}

func TestRecorder_ValuesReturnsCopy(t *testing.T) {
	r := NewRecorder[status]()
	r.Record("pending")

	vals := r.Values()
	vals[0] = "mutated"

	assert.Equal(t, []status{"pending"}, r.Values())
}

func TestRecorder_Reset(t *testing.T) {
	r := NewRecorder[status]()
	r.Record("pending")
	r.Reset()

	assert.Empty(t, r.Values())
}

func TestRecorder_ConcurrentUse(t *testing.T) {
	r := NewRecorder[status]()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Record("pending")
		}()
	}
	wg.Wait()

	assert.Len(t, r.Values(), 50)
}

func TestWaitFor_ConditionMet(t *testing.T) {
	n := 0
	WaitFor(t, 100*time.Millisecond, func() bool {
		n++
		return n > 2
	}, "counter to pass 2")
}
