// Package netstate tracks whether the host is online and whether the active
// link is metered.
package netstate

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"smsbackup/internal/eventbus"
	"smsbackup/internal/jobs"
	logx "smsbackup/pkg/logx"
)

const (
	ModeAuto   = "auto"
	ModeStatic = "static"

	DefaultPollInterval = 10 * time.Second
)

// DefaultMeteredInterfaces are the interface globs treated as metered links.
var DefaultMeteredInterfaces = []string{"wwan*", "rmnet*", "ppp*"}

// State is the current connectivity.
type State struct {
	Connected bool `json:"connected"`
	Metered   bool `json:"metered"`
}

// Satisfies reports whether s meets the required connectivity.
func (s State) Satisfies(c jobs.Connectivity) bool {
	if !s.Connected {
		return false
	}
	if c == jobs.UnmeteredOnly {
		return !s.Metered
	}
	return true
}

func (s State) String() string {
	switch {
	case !s.Connected:
		return "offline"
	case s.Metered:
		return "metered"
	default:
		return "unmetered"
	}
}

type Config struct {
	Mode              string
	PollInterval      time.Duration
	MeteredInterfaces []string
	Static            State
}

// Iface is the part of net.Interface the probe looks at.
type Iface struct {
	Name  string
	Up    bool
	Loop  bool
	Addrs int
}

// Lister enumerates network interfaces.
type Lister func() ([]Iface, error)

// SystemInterfaces lists host interfaces via package net.
func SystemInterfaces() ([]Iface, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Iface, 0, len(ifs))
	for _, it := range ifs {
		n := 0
		if addrs, err := it.Addrs(); err == nil {
			for _, a := range addrs {
				if ipn, ok := a.(*net.IPNet); ok && ipn.IP.IsGlobalUnicast() {
					n++
				}
			}
		}
		out = append(out, Iface{
			Name:  it.Name,
			Up:    it.Flags&net.FlagUp != 0,
			Loop:  it.Flags&net.FlagLoopback != 0,
			Addrs: n,
		})
	}
	return out, nil
}

// Monitor keeps the latest State and publishes network.changed on the bus
// whenever it changes.
type Monitor struct {
	log  logx.Logger
	bus  eventbus.Bus
	list Lister

	mu    sync.RWMutex
	cfg   Config
	state State
	known bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Monitor{log: log, bus: bus, list: SystemInterfaces}
	m.cfg = withDefaults(cfg)
	return m
}

func withDefaults(cfg Config) Config {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if len(cfg.MeteredInterfaces) == 0 {
		cfg.MeteredInterfaces = DefaultMeteredInterfaces
	}
	return cfg
}

// SetLister replaces the interface source. Call before Run.
func (m *Monitor) SetLister(l Lister) {
	if l != nil {
		m.list = l
	}
}

// Apply swaps the configuration and re-evaluates immediately.
func (m *Monitor) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = withDefaults(cfg)
	m.mu.Unlock()
	m.Refresh()
}

// State returns the last evaluated state. Before the first evaluation it
// probes synchronously.
func (m *Monitor) State() State {
	m.mu.RLock()
	st, known := m.state, m.known
	m.mu.RUnlock()
	if !known {
		return m.Refresh()
	}
	return st
}

// Satisfies is shorthand for State().Satisfies(c).
func (m *Monitor) Satisfies(c jobs.Connectivity) bool {
	return m.State().Satisfies(c)
}

// Refresh evaluates connectivity now and returns the new state.
func (m *Monitor) Refresh() State {
	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()

	next := m.evaluate(cfg)

	m.mu.Lock()
	prev, known := m.state, m.known
	m.state, m.known = next, true
	m.mu.Unlock()

	if !known || prev != next {
		m.log.Info("connectivity changed", logx.String("state", next.String()), logx.String("mode", cfg.Mode))
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: eventbus.NetworkChanged, Time: time.Now(), Data: next})
		}
	}
	return next
}

func (m *Monitor) evaluate(cfg Config) State {
	if cfg.Mode == ModeStatic {
		return cfg.Static
	}
	ifs, err := m.list()
	if err != nil {
		m.log.Warn("interface probe failed", logx.Err(err))
		return State{}
	}
	var st State
	unmetered := false
	for _, it := range ifs {
		if !it.Up || it.Loop || it.Addrs == 0 {
			continue
		}
		st.Connected = true
		if matchAny(cfg.MeteredInterfaces, it.Name) {
			st.Metered = true
		} else {
			unmetered = true
		}
	}
	// Any unmetered link wins, the way a phone prefers wifi over cellular.
	if unmetered {
		st.Metered = false
	}
	return st
}

func matchAny(globs []string, name string) bool {
	for _, g := range globs {
		if ok, err := filepath.Match(g, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Run polls until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	m.Refresh()
	for {
		m.mu.RLock()
		every := m.cfg.PollInterval
		m.mu.RUnlock()

		t := time.NewTimer(every)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
			m.Refresh()
		}
	}
}
