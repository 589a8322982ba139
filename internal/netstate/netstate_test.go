package netstate

import (
	"errors"
	"testing"

	"smsbackup/internal/eventbus"
	"smsbackup/internal/jobs"
	logx "smsbackup/pkg/logx"
)

func TestSatisfies(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		need  jobs.Connectivity
		want  bool
	}{
		{State{}, jobs.AnyConnected, false},
		{State{}, jobs.UnmeteredOnly, false},
		{State{Connected: true, Metered: true}, jobs.AnyConnected, true},
		{State{Connected: true, Metered: true}, jobs.UnmeteredOnly, false},
		{State{Connected: true}, jobs.UnmeteredOnly, true},
	}
	for _, tt := range tests {
		if got := tt.state.Satisfies(tt.need); got != tt.want {
			t.Fatalf("%s.Satisfies(%s) = %v, want %v", tt.state, tt.need, got, tt.want)
		}
	}
}

func TestAutoModeClassifiesInterfaces(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ifs  []Iface
		want State
	}{
		{"loopback only", []Iface{{Name: "lo", Up: true, Loop: true, Addrs: 1}}, State{}},
		{"down wifi", []Iface{{Name: "wlan0", Addrs: 1}}, State{}},
		{"no address", []Iface{{Name: "wlan0", Up: true}}, State{}},
		{"wifi", []Iface{{Name: "wlan0", Up: true, Addrs: 1}}, State{Connected: true}},
		{"cellular", []Iface{{Name: "rmnet0", Up: true, Addrs: 1}}, State{Connected: true, Metered: true}},
		{"both", []Iface{{Name: "wwan0", Up: true, Addrs: 1}, {Name: "eth0", Up: true, Addrs: 2}}, State{Connected: true}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := New(Config{}, logx.Nop(), nil)
			m.SetLister(func() ([]Iface, error) { return tt.ifs, nil })
			if got := m.Refresh(); got != tt.want {
				t.Fatalf("state = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestProbeErrorMeansOffline(t *testing.T) {
	t.Parallel()
	m := New(Config{}, logx.Nop(), nil)
	m.SetLister(func() ([]Iface, error) { return nil, errors.New("netlink") })
	if m.Satisfies(jobs.AnyConnected) {
		t.Fatal("failed probe must not satisfy connectivity")
	}
}

func TestStaticModePublishesChanges(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, eventbus.NetworkChanged)
	defer unsub()

	m := New(Config{Mode: ModeStatic, Static: State{Connected: true, Metered: true}}, logx.Nop(), bus)
	m.Refresh()
	m.Refresh()
	if len(ch) != 1 {
		t.Fatalf("published %d events for one state, want 1", len(ch))
	}
	<-ch

	m.Apply(Config{Mode: ModeStatic, Static: State{Connected: true}})
	e := <-ch
	if st := e.Data.(State); st.Metered || !st.Connected {
		t.Fatalf("published state = %+v", st)
	}
	if !m.Satisfies(jobs.UnmeteredOnly) {
		t.Fatal("unmetered state must satisfy UnmeteredOnly")
	}
}
