package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	logx "smsbackup/pkg/logx"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			d, err := time.ParseDuration(strings.TrimSpace(fl.Field().String()))
			return err == nil && d >= 0
		})
		_ = v.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
			return logx.ValidLevel(fl.Field().String())
		})
		_ = v.RegisterValidation("datatype", func(fl validator.FieldLevel) bool {
			switch strings.ToUpper(strings.TrimSpace(fl.Field().String())) {
			case "SMS", "MMS", "CALLLOG":
				return true
			}
			return false
		})
		validate = v
	})
	return validate
}

// Validate checks cfg. Struct tags cover field formats; cross-field rules
// are checked here.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	// regular_interval, when set, must be positive.
	if raw := strings.TrimSpace(cfg.Preferences.RegularInterval); raw != "" {
		if d, _ := time.ParseDuration(raw); d <= 0 {
			return fmt.Errorf("invalid config: preferences.regular_interval must be > 0, got %q", raw)
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none":
	default:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("invalid config: storage.path is required for driver %q", cfg.Storage.Driver)
		}
	}
	if cfg.Metrics.Pprof && cfg.Metrics.Addr != "" && strings.TrimSpace(cfg.Metrics.Token) == "" && !loopbackAddr(cfg.Metrics.Addr) {
		return errors.New("invalid config: metrics.pprof on a non-loopback addr requires metrics.token")
	}
	if strings.TrimSpace(cfg.Worker.Command) != "" && strings.TrimSpace(cfg.Worker.Unit) != "" {
		return errors.New("invalid config: worker.command and worker.unit are mutually exclusive")
	}
	return nil
}

func loopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil || host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
