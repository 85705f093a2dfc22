package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMock_AdvanceFiresWaiters(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMock(start)

	short := c.After(time.Second)
	long := c.After(time.Minute)

	c.Advance(time.Second)
	select {
	case now := <-short:
		assert.Equal(t, start.Add(time.Second), now)
	default:
		t.Fatal("short waiter did not fire")
	}
	select {
	case <-long:
		t.Fatal("long waiter fired early")
	default:
	}

	c.Advance(time.Minute)
	select {
	case <-long:
	default:
		t.Fatal("long waiter did not fire")
	}
}

func TestMock_AfterZeroFiresImmediately(t *testing.T) {
	c := NewMock(time.Now())
	select {
	case <-c.After(0):
	default:
		t.Fatal("zero-duration waiter should be ready")
	}
}

func TestMock_Since(t *testing.T) {
	start := time.Now()
	c := NewMock(start)
	c.Advance(3 * time.Second)
	assert.Equal(t, 3*time.Second, c.Since(start))
	assert.Equal(t, start.Add(3*time.Second), c.Now())
}
