package jobs

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

type fakePrefs struct {
	regular  time.Duration
	incoming time.Duration
	wifiOnly bool
	types    map[DataType]DataTypeSettings
}

func (p fakePrefs) RegularInterval() time.Duration { return p.regular }
func (p fakePrefs) IncomingDelay() time.Duration   { return p.incoming }
func (p fakePrefs) WifiOnly() bool                 { return p.wifiOnly }
func (p fakePrefs) DataType(t DataType) DataTypeSettings {
	return p.types[t]
}

type recordingScheduler struct {
	submitted []JobDescriptor
	cancels   int
	err       error
}

func (s *recordingScheduler) Submit(_ context.Context, d JobDescriptor) error {
	if s.err != nil {
		return s.err
	}
	s.submitted = append(s.submitted, d)
	return nil
}

func (s *recordingScheduler) CancelAll(context.Context) error {
	s.cancels++
	return s.err
}

func defaultPrefs() fakePrefs {
	return fakePrefs{
		regular:  2 * time.Hour,
		incoming: 3 * time.Minute,
		types: map[DataType]DataTypeSettings{
			DataTypeSMS:     {Enabled: true},
			DataTypeCallLog: {Enabled: true},
		},
	}
}

func TestScheduleRegular(t *testing.T) {
	t.Parallel()

	for _, wifi := range []bool{false, true} {
		p := defaultPrefs()
		p.wifiOnly = wifi
		s := &recordingScheduler{}
		if err := NewBackupJobScheduler(p, s).ScheduleRegular(context.Background()); err != nil {
			t.Fatalf("ScheduleRegular: %v", err)
		}
		if len(s.submitted) != 1 {
			t.Fatalf("submitted %d descriptors, want 1", len(s.submitted))
		}
		d := s.submitted[0]
		if d.Kind != Regular {
			t.Fatalf("kind = %s", d.Kind)
		}
		if d.PeriodInterval != 2*time.Hour {
			t.Fatalf("period = %s", d.PeriodInterval)
		}
		if d.Backoff != nil || d.InitialDelay != 0 {
			t.Fatalf("regular job must not carry backoff or delay: %+v", d)
		}
		if len(d.Constraints.WatchedSources) != 0 {
			t.Fatalf("regular job watches %v", d.Constraints.WatchedSources)
		}
		want := AnyConnected
		if wifi {
			want = UnmeteredOnly
		}
		if d.Constraints.RequiredConnectivity != want {
			t.Fatalf("wifiOnly=%v: connectivity = %s, want %s", wifi, d.Constraints.RequiredConnectivity, want)
		}
		if err := d.Validate(); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	}
}

func TestScheduleRegularRejectsNonPositiveInterval(t *testing.T) {
	t.Parallel()

	for _, every := range []time.Duration{0, -time.Minute} {
		p := defaultPrefs()
		p.regular = every
		s := &recordingScheduler{}
		err := NewBackupJobScheduler(p, s).ScheduleRegular(context.Background())
		if !errors.Is(err, ErrInvalidPreferenceValue) {
			t.Fatalf("interval %s: err = %v", every, err)
		}
		if len(s.submitted) != 0 {
			t.Fatalf("interval %s: submitted %d descriptors", every, len(s.submitted))
		}
	}
}

func TestScheduleOnChangeSources(t *testing.T) {
	t.Parallel()

	tests := []struct {
		enabled, trigger bool
		wantCallLog      bool
	}{
		{false, false, false},
		{false, true, false},
		{true, false, false},
		{true, true, true},
	}
	for _, tt := range tests {
		p := defaultPrefs()
		p.types[DataTypeCallLog] = DataTypeSettings{Enabled: tt.enabled, TriggerOnChange: tt.trigger}
		s := &recordingScheduler{}
		if err := NewBackupJobScheduler(p, s).ScheduleOnChange(context.Background()); err != nil {
			t.Fatalf("ScheduleOnChange: %v", err)
		}
		c := s.submitted[0].Constraints
		sms, ok := c.Watches(SourceSMS)
		if !ok || !sms.TriggerOnDescendantChange {
			t.Fatalf("sms source missing or not recursive: %v", c.WatchedSources)
		}
		calllog, ok := c.Watches(SourceCallLog)
		if ok != tt.wantCallLog {
			t.Fatalf("enabled=%v trigger=%v: calllog watched = %v", tt.enabled, tt.trigger, ok)
		}
		if ok && !calllog.TriggerOnDescendantChange {
			t.Fatal("calllog source must trigger on descendants")
		}
	}
}

func TestScheduleOnChangeIgnoresSMSSettings(t *testing.T) {
	t.Parallel()

	p := defaultPrefs()
	p.types[DataTypeSMS] = DataTypeSettings{}
	s := &recordingScheduler{}
	if err := NewBackupJobScheduler(p, s).ScheduleOnChange(context.Background()); err != nil {
		t.Fatalf("ScheduleOnChange: %v", err)
	}
	if _, ok := s.submitted[0].Constraints.Watches(SourceSMS); !ok {
		t.Fatal("sms source must always be watched")
	}
}

func TestScheduleOnChangeDescriptor(t *testing.T) {
	t.Parallel()

	p := defaultPrefs()
	p.incoming = 45 * time.Second
	p.wifiOnly = true
	s := &recordingScheduler{}
	if err := NewBackupJobScheduler(p, s).ScheduleOnChange(context.Background()); err != nil {
		t.Fatalf("ScheduleOnChange: %v", err)
	}
	d := s.submitted[0]
	if d.Kind != Incoming || d.Periodic() {
		t.Fatalf("want one-shot Incoming, got %+v", d)
	}
	if d.InitialDelay != 45*time.Second {
		t.Fatalf("delay = %s", d.InitialDelay)
	}
	if d.Backoff == nil || d.Backoff.Strategy != BackoffExponential || d.Backoff.InitialDelay != 30*time.Second {
		t.Fatalf("backoff = %+v", d.Backoff)
	}
	if d.Constraints.RequiredConnectivity != UnmeteredOnly {
		t.Fatalf("connectivity = %s", d.Constraints.RequiredConnectivity)
	}
	if len(d.Payload) != 0 {
		t.Fatalf("payload = %v", d.Payload)
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestCancelAllSubmitsNothing(t *testing.T) {
	t.Parallel()

	s := &recordingScheduler{}
	if err := NewBackupJobScheduler(defaultPrefs(), s).CancelAll(context.Background()); err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
	if s.cancels != 1 || len(s.submitted) != 0 {
		t.Fatalf("cancels=%d submitted=%d", s.cancels, len(s.submitted))
	}
}

func TestSchedulerErrorsPassThrough(t *testing.T) {
	t.Parallel()

	want := errors.Join(ErrSchedulerUnavailable, errors.New("closed"))
	b := NewBackupJobScheduler(defaultPrefs(), &recordingScheduler{err: want})
	ctx := context.Background()
	for name, fn := range map[string]func(context.Context) error{
		"CancelAll":        b.CancelAll,
		"ScheduleRegular":  b.ScheduleRegular,
		"ScheduleOnChange": b.ScheduleOnChange,
	} {
		if err := fn(ctx); err != want {
			t.Fatalf("%s: err = %v, want the scheduler's error unchanged", name, err)
		}
	}
}

func TestScheduleRegularTwiceSubmitsTwice(t *testing.T) {
	t.Parallel()

	s := &recordingScheduler{}
	b := NewBackupJobScheduler(defaultPrefs(), s)
	for i := 0; i < 2; i++ {
		if err := b.ScheduleRegular(context.Background()); err != nil {
			t.Fatalf("ScheduleRegular: %v", err)
		}
	}
	if len(s.submitted) != 2 {
		t.Fatalf("submitted %d", len(s.submitted))
	}
	if s.submitted[0].Kind != s.submitted[1].Kind {
		t.Fatal("both submissions must share the Regular tag")
	}
}

func TestExampleScenario(t *testing.T) {
	t.Parallel()

	p := fakePrefs{
		regular:  6 * time.Hour,
		incoming: 5 * time.Second,
		wifiOnly: true,
		types: map[DataType]DataTypeSettings{
			DataTypeSMS:     {Enabled: true},
			DataTypeCallLog: {Enabled: true, TriggerOnChange: true},
		},
	}
	s := &recordingScheduler{}
	b := NewBackupJobScheduler(p, s)
	ctx := context.Background()
	if err := b.ScheduleRegular(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.ScheduleOnChange(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.CancelAll(ctx); err != nil {
		t.Fatal(err)
	}

	if len(s.submitted) != 2 || s.cancels != 1 {
		t.Fatalf("submitted=%d cancels=%d", len(s.submitted), s.cancels)
	}
	wantRegular := JobDescriptor{
		Kind:           Regular,
		Constraints:    Constraints{RequiredConnectivity: UnmeteredOnly},
		PeriodInterval: 6 * time.Hour,
	}
	wantIncoming := JobDescriptor{
		Kind: Incoming,
		Constraints: Constraints{
			RequiredConnectivity: UnmeteredOnly,
			WatchedSources: []WatchedSource{
				{Source: SourceSMS, TriggerOnDescendantChange: true},
				{Source: SourceCallLog, TriggerOnDescendantChange: true},
			},
		},
		Backoff:      &BackoffPolicy{Strategy: BackoffExponential, InitialDelay: 30 * time.Second},
		InitialDelay: 5 * time.Second,
		Payload:      Payload{},
	}
	if !reflect.DeepEqual(s.submitted[0], wantRegular) {
		t.Fatalf("regular = %+v\nwant      %+v", s.submitted[0], wantRegular)
	}
	if !reflect.DeepEqual(s.submitted[1], wantIncoming) {
		t.Fatalf("incoming = %+v\nwant       %+v", s.submitted[1], wantIncoming)
	}
}

func TestDescriptorEqual(t *testing.T) {
	t.Parallel()

	backoff := BackoffPolicy{Strategy: BackoffExponential, InitialDelay: 30 * time.Second}
	sms := Constraints{WatchedSources: []WatchedSource{{Source: SourceSMS, TriggerOnDescendantChange: true}}}
	base := NewOneShot(Incoming, time.Minute, backoff, sms, Payload{})
	tests := []struct {
		name  string
		other JobDescriptor
		equal bool
	}{
		{"same", NewOneShot(Incoming, time.Minute, backoff, sms, Payload{}), true},
		{"nil payload", NewOneShot(Incoming, time.Minute, backoff, sms, nil), true},
		{"other delay", NewOneShot(Incoming, time.Second, backoff, sms, nil), false},
		{"other backoff", NewOneShot(Incoming, time.Minute, BackoffPolicy{Strategy: BackoffLinear, InitialDelay: 30 * time.Second}, sms, nil), false},
		{"no sources", NewOneShot(Incoming, time.Minute, backoff, Constraints{}, nil), false},
		{"unmetered", NewOneShot(Incoming, time.Minute, backoff, Constraints{RequiredConnectivity: UnmeteredOnly, WatchedSources: sms.WatchedSources}, nil), false},
		{"payload", NewOneShot(Incoming, time.Minute, backoff, sms, Payload{"k": "v"}), false},
		{"periodic", NewPeriodic(Incoming, time.Minute, sms), false},
	}
	for _, tt := range tests {
		if got := base.Equal(tt.other); got != tt.equal {
			t.Fatalf("%s: Equal = %v, want %v", tt.name, got, tt.equal)
		}
	}
}

func TestDescriptorValidate(t *testing.T) {
	t.Parallel()

	backoff := BackoffPolicy{Strategy: BackoffLinear, InitialDelay: time.Second}
	tests := []struct {
		name string
		d    JobDescriptor
		ok   bool
	}{
		{"periodic", NewPeriodic(Regular, time.Minute, Constraints{}), true},
		{"periodic zero interval", NewPeriodic(Regular, 0, Constraints{}), false},
		{"periodic with delay", JobDescriptor{Kind: Regular, PeriodInterval: time.Minute, InitialDelay: time.Second}, false},
		{"one-shot", NewOneShot(Incoming, 0, backoff, Constraints{}, nil), true},
		{"one-shot negative delay", NewOneShot(Incoming, -time.Second, backoff, Constraints{}, nil), false},
		{"one-shot with period", JobDescriptor{Kind: Incoming, Backoff: &backoff, PeriodInterval: time.Minute}, false},
		{"unknown kind", JobDescriptor{Kind: 9, PeriodInterval: time.Minute}, false},
	}
	for _, tt := range tests {
		err := tt.d.Validate()
		if (err == nil) != tt.ok {
			t.Fatalf("%s: Validate() = %v", tt.name, err)
		}
	}
}

func TestParseJobKind(t *testing.T) {
	t.Parallel()

	for _, k := range []JobKind{Regular, Incoming} {
		got, err := ParseJobKind(k.String())
		if err != nil || got != k {
			t.Fatalf("ParseJobKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseJobKind("weekly"); err == nil {
		t.Fatal("want error for unknown kind")
	}
}
