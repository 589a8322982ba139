// Package prefs exposes the preferences section of the config as
// jobs.Preferences.
package prefs

import (
	"fmt"
	"maps"
	"strings"
	"sync/atomic"
	"time"

	"smsbackup/internal/config"
	"smsbackup/internal/jobs"
)

const (
	DefaultRegularInterval = 2 * time.Hour
	DefaultIncomingDelay   = 3 * time.Minute
)

// Values is an immutable set of preferences.
type Values struct {
	AutoBackup      bool
	RegularInterval time.Duration
	IncomingDelay   time.Duration
	WifiOnly        bool
	DataTypes       map[jobs.DataType]jobs.DataTypeSettings
}

// Defaults are the values used for omitted keys.
func Defaults() Values {
	return Values{
		AutoBackup:      true,
		RegularInterval: DefaultRegularInterval,
		IncomingDelay:   DefaultIncomingDelay,
		DataTypes: map[jobs.DataType]jobs.DataTypeSettings{
			jobs.DataTypeSMS:     {Enabled: true},
			jobs.DataTypeMMS:     {Enabled: false},
			jobs.DataTypeCallLog: {Enabled: true},
		},
	}
}

// FromConfig resolves c over Defaults.
func FromConfig(c config.PreferencesConfig) (Values, error) {
	v := Defaults()
	if c.AutoBackup != nil {
		v.AutoBackup = *c.AutoBackup
	}
	if strings.TrimSpace(c.RegularInterval) != "" {
		d, err := config.ParseDurationField("preferences.regular_interval", c.RegularInterval)
		if err != nil {
			return Values{}, err
		}
		v.RegularInterval = d
	}
	if strings.TrimSpace(c.IncomingDelay) != "" {
		d, err := config.ParseDurationField("preferences.incoming_delay", c.IncomingDelay)
		if err != nil {
			return Values{}, err
		}
		v.IncomingDelay = d
	}
	v.WifiOnly = c.WifiOnly
	for name, dt := range c.DataTypes {
		key := jobs.DataType(strings.ToUpper(strings.TrimSpace(name)))
		s := v.DataTypes[key]
		if dt.Enabled != nil {
			s.Enabled = *dt.Enabled
		}
		s.TriggerOnChange = dt.TriggerOnChange
		v.DataTypes[key] = s
	}
	return v, v.Validate()
}

// Validate rejects values the job scheduler cannot carry. Values are never
// clamped.
func (v Values) Validate() error {
	if v.RegularInterval <= 0 {
		return fmt.Errorf("%w: regular interval must be > 0, got %s", jobs.ErrInvalidPreferenceValue, v.RegularInterval)
	}
	if v.IncomingDelay < 0 {
		return fmt.Errorf("%w: incoming delay must be >= 0, got %s", jobs.ErrInvalidPreferenceValue, v.IncomingDelay)
	}
	return nil
}

// Store implements jobs.Preferences over a swappable Values.
type Store struct {
	cur atomic.Pointer[Values]
}

func NewStore(v Values) *Store {
	s := &Store{}
	s.Set(v)
	return s
}

// Set replaces the current values.
func (s *Store) Set(v Values) {
	v.DataTypes = maps.Clone(v.DataTypes)
	s.cur.Store(&v)
}

// Apply resolves c and swaps it in. The current values are kept on error.
func (s *Store) Apply(c config.PreferencesConfig) error {
	v, err := FromConfig(c)
	if err != nil {
		return err
	}
	s.Set(v)
	return nil
}

func (s *Store) Values() Values { return *s.cur.Load() }

func (s *Store) AutoBackup() bool               { return s.cur.Load().AutoBackup }
func (s *Store) RegularInterval() time.Duration { return s.cur.Load().RegularInterval }
func (s *Store) IncomingDelay() time.Duration   { return s.cur.Load().IncomingDelay }
func (s *Store) WifiOnly() bool                 { return s.cur.Load().WifiOnly }

func (s *Store) DataType(t jobs.DataType) jobs.DataTypeSettings {
	return s.cur.Load().DataTypes[t]
}

var _ jobs.Preferences = (*Store)(nil)
