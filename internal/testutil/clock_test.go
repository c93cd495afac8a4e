package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var base = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func TestFixedClock_ReturnsFixedTime(t *testing.T) {
	clock := NewFixedClock(base)
	assert.Equal(t, base, clock.Now())
	assert.Equal(t, base, clock.Now(), "repeated reads do not drift")
}

func TestFixedClock_Advance(t *testing.T) {
	clock := NewFixedClock(base)
	clock.Advance(90 * time.Minute)
	assert.Equal(t, base.Add(90*time.Minute), clock.Now())
}

func TestFixedClock_Set(t *testing.T) {
	clock := NewFixedClock(base)
	later := base.AddDate(0, 1, 0)
	clock.Set(later)
	assert.Equal(t, later, clock.Now())
}

func TestFixedClock_ThreadSafe(t *testing.T) {
	clock := NewFixedClock(base)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
		}()
		go func() {
			defer wg.Done()
			_ = clock.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, base.Add(50*time.Second), clock.Now())
}

func TestFixedIDGenerator(t *testing.T) {
	gen := NewFixedIDGenerator("run-123")
	assert.Equal(t, "run-123", gen.Generate())
	assert.Equal(t, "run-123", gen.Generate())
}

func TestFixedIDGenerator_EmptyDefault(t *testing.T) {
	gen := NewFixedIDGenerator("")
	assert.Equal(t, "test-run-default", gen.Generate())
}
