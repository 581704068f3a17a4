package rpclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewFallsBackToSysWithNoHost(t *testing.T) {
	c := New("", time.Second)
	require.Equal(t, ModeSys, c.Mode())
	require.WithinDuration(t, time.Now(), c.Now(), time.Second)
}

func TestNewFallsBackToSysOnUnreachableHost(t *testing.T) {
	// TEST-NET-1 (RFC 5737): guaranteed unroutable, so the dial/round trip
	// times out quickly and New must degrade to sys mode rather than block.
	c := New("192.0.2.1", 200*time.Millisecond)
	require.Equal(t, ModeSys, c.Mode())
}

func TestHostIsRecordedEvenOnFallback(t *testing.T) {
	c := New("192.0.2.1", 50*time.Millisecond)
	require.Equal(t, "192.0.2.1", c.Host())
}
