// Package rpconfig defines the Controller's configuration contract (spec
// §4.3). Parsing a config file from disk is an external CLI concern; this
// package only decodes an already-opened reader.
package rpconfig

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// BridgeEntry is either an external bridge address pair (non-empty) or an
// empty entry instructing the Controller to start the bridge itself.
type BridgeEntry struct {
	AddrIn  string `yaml:"addr_in,omitempty"`
	AddrOut string `yaml:"addr_out,omitempty"`
}

// External reports whether this entry names an already-running bridge.
func (b BridgeEntry) External() bool {
	return b.AddrIn != "" || b.AddrOut != ""
}

// SlotSpec declares one allocatable resource for a scheduler component
// (spec §4.5).
type SlotSpec struct {
	ID       string `yaml:"id"`
	Capacity int    `yaml:"capacity"`
}

// ProcessSpec, when set on a ComponentSpec, tells the Controller to bring
// the component up as a separate OS process via Supervisor.SpawnProcess
// instead of an in-process goroutine (spec §4.2).
type ProcessSpec struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args,omitempty"`
	Env  []string `yaml:"env,omitempty"`
}

// ComponentSpec declares one pipeline stage the Controller must bring up
// (spec §4.3). Kind selects the stage implementation; InputQueue/OutputQueue
// name the bridge-relative addresses the stage binds to.
type ComponentSpec struct {
	Name        string        `yaml:"name"`
	Kind        string        `yaml:"kind"`
	InputQueue  string        `yaml:"input_queue,omitempty"`
	OutputQueue string        `yaml:"output_queue,omitempty"`
	Slots       []SlotSpec    `yaml:"slots,omitempty"`
	KillGrace   time.Duration `yaml:"kill_grace,omitempty"`
	ProfileDir  string        `yaml:"profile_dir,omitempty"`
	Process     *ProcessSpec  `yaml:"process,omitempty"`
}

// Config is the map the Controller consumes at bring-up.
type Config struct {
	Owner             string                 `yaml:"owner"`
	Bridges           map[string]BridgeEntry `yaml:"bridges"`
	Heart             string                 `yaml:"heart,omitempty"`
	HeartbeatInterval time.Duration          `yaml:"heartbeat_interval,omitempty"`
	HeartbeatTimeout  time.Duration          `yaml:"heartbeat_timeout,omitempty"`
	Components        []ComponentSpec        `yaml:"components,omitempty"`
	Debug             bool                   `yaml:"debug,omitempty"`

	// StagingScheme resolves the `staging:` URL prefix (spec §9 Open
	// Question 1: the source reads it from configuration without stating
	// a canonical value; this implementation defaults it explicitly).
	StagingScheme string `yaml:"staging_scheme,omitempty"`

	// StartupTimeout bounds how long spawn_process waits for an `alive`
	// control message (spec §4.2) before killing the child.
	StartupTimeout time.Duration `yaml:"startup_timeout,omitempty"`

	// TerminationBudget is the root's termination timeout (spec §4.2). The
	// Controller passes it unchanged to the Supervisor's cascade; it is not
	// divided by hierarchy depth.
	TerminationBudget time.Duration `yaml:"termination_budget,omitempty"`
}

const (
	// LogPubSub and ControlPubSub are the two bridges every Controller
	// config must declare (spec §4.3).
	LogPubSub     = "LOG_PUBSUB"
	ControlPubSub = "CONTROL_PUBSUB"
)

// Default returns a Config with every optional field set to its spec-mandated
// default.
func Default() Config {
	return Config{
		Bridges:           map[string]BridgeEntry{},
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		StagingScheme:     "staging:",
		StartupTimeout:    60 * time.Second,
		TerminationBudget: 60 * time.Second,
	}
}

// Parse decodes a Controller config from YAML, applying defaults for any
// zero-valued optional field, and validates the two required bridges.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("rpconfig: decode: %w", err)
	}
	if cfg.Owner == "" {
		return Config{}, fmt.Errorf("rpconfig: owner is required")
	}
	if cfg.Bridges == nil {
		cfg.Bridges = map[string]BridgeEntry{}
	}
	if _, ok := cfg.Bridges[LogPubSub]; !ok {
		return Config{}, fmt.Errorf("rpconfig: bridges must declare %s", LogPubSub)
	}
	if _, ok := cfg.Bridges[ControlPubSub]; !ok {
		return Config{}, fmt.Errorf("rpconfig: bridges must declare %s", ControlPubSub)
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.StagingScheme == "" {
		cfg.StagingScheme = "staging:"
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 60 * time.Second
	}
	if cfg.TerminationBudget == 0 {
		cfg.TerminationBudget = 60 * time.Second
	}
	return cfg, nil
}
