package resilience

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "explicit transient", err: NewTransient(eris.New("db write failed")), want: true},
		{name: "wrapped transient", err: eris.Wrap(NewTransient(eris.New("x")), "store: insert records"), want: true},
		{name: "explicit deterministic", err: NewDeterministic(eris.New("bad mapping")), want: false},
		{name: "deterministic wrapping transient text", err: NewDeterministic(fmt.Errorf("connection reset by peer")), want: false},
		{name: "connection reset", err: syscall.ECONNRESET, want: true},
		{name: "connection refused", err: fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), want: true},
		{name: "net timeout", err: &net.DNSError{Err: "lookup", IsTimeout: true}, want: true},
		{name: "sqlite busy text", err: fmt.Errorf("database is locked (5) (SQLITE_BUSY)"), want: true},
		{name: "broken pipe text", err: fmt.Errorf("write: broken pipe"), want: true},
		{name: "plain error", err: eris.New("invalid date"), want: false},
		{name: "context cancelled", err: context.Canceled, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsDeterministic(t *testing.T) {
	assert.True(t, IsDeterministic(NewDeterministic(eris.New("x"))))
	assert.True(t, IsDeterministic(eris.Wrap(NewDeterministic(eris.New("x")), "worker: attempt")))
	assert.False(t, IsDeterministic(NewTransient(eris.New("x"))))
	assert.False(t, IsDeterministic(eris.New("x")))
	assert.False(t, IsDeterministic(nil))
}

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	max := 60 * time.Second

	assert.Equal(t, 2*time.Second, Backoff(1, base, max))
	assert.Equal(t, 4*time.Second, Backoff(2, base, max))
	assert.Equal(t, 8*time.Second, Backoff(3, base, max))
	assert.Equal(t, 60*time.Second, Backoff(6, base, max), "caps at max")
	assert.Equal(t, 60*time.Second, Backoff(100, base, max), "large attempts do not overflow")

	assert.Equal(t, 2*time.Second, Backoff(0, base, max), "attempt clamps to 1")
	assert.Equal(t, time.Second, Backoff(1, 0, max), "zero base falls back to a second")
	assert.Equal(t, 30*time.Second, Backoff(10, time.Second, 0), "zero max falls back to thirty seconds")
}
