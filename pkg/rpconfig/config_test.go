package rpconfig

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseRequiresOwner(t *testing.T) {
	_, err := Parse(strings.NewReader(`
bridges:
  LOG_PUBSUB: {}
  CONTROL_PUBSUB: {}
`))
	require.Error(t, err)
}

func TestParseRequiresControlBridges(t *testing.T) {
	_, err := Parse(strings.NewReader(`
owner: pmgr.0000
bridges:
  LOG_PUBSUB: {}
`))
	require.Error(t, err)
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`
owner: pmgr.0000
bridges:
  LOG_PUBSUB: {}
  CONTROL_PUBSUB: {}
`))
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 30*time.Second, cfg.HeartbeatTimeout)
	require.Equal(t, "staging:", cfg.StagingScheme)
}

func TestParseHonorsExternalBridge(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`
owner: agent.0000
bridges:
  LOG_PUBSUB:
    addr_in: tcp://10.0.0.1:10000
    addr_out: tcp://10.0.0.1:10001
  CONTROL_PUBSUB: {}
`))
	require.NoError(t, err)
	require.True(t, cfg.Bridges[LogPubSub].External())
	require.False(t, cfg.Bridges[ControlPubSub].External())
}
