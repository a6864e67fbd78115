package interrupt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSleepCompletes(t *testing.T) {
	tok := NewToken()

	start := time.Now()
	outcome := tok.Sleep(10 * time.Millisecond)

	assert.Equal(t, SleepCompleted, outcome)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestWakeAbortsSleep(t *testing.T) {
	tok := NewToken()

	go func() {
		time.Sleep(10 * time.Millisecond)
		tok.Wake()
	}()

	start := time.Now()
	outcome := tok.Sleep(time.Minute)

	assert.Equal(t, SleepWoken, outcome)
	assert.Less(t, time.Since(start), time.Second)
}

func TestInterruptAbortsSleepAndTripsCheck(t *testing.T) {
	tok := NewToken()
	tok.Exit = func(int) {}

	go func() {
		time.Sleep(10 * time.Millisecond)
		tok.Interrupt()
	}()

	outcome := tok.Sleep(time.Minute)

	assert.Equal(t, SleepInterrupted, outcome)
	require.Error(t, tok.Check())
	assert.ErrorIs(t, tok.Check(), ErrInterrupted)
	// level-triggered: stays tripped
	assert.ErrorIs(t, tok.Check(), ErrInterrupted)
}

func TestSecondInterruptEscalates(t *testing.T) {
	tok := NewToken()
	var code int
	exited := false
	tok.Exit = func(c int) { code = c; exited = true }

	tok.Interrupt()
	assert.False(t, exited)

	tok.Interrupt()
	assert.True(t, exited)
	assert.Equal(t, 1, code)
}

func TestCheckCleanByDefault(t *testing.T) {
	tok := NewToken()
	assert.NoError(t, tok.Check())
	assert.False(t, tok.Stopped())
}
