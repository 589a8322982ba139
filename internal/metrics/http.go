package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	logx "smsbackup/pkg/logx"
)

const pprofPrefix = "/debug/pprof/"

// ErrInsecureBind is returned when pprof would be exposed on a non-loopback
// address without a token.
var ErrInsecureBind = errors.New("metrics: pprof on non-loopback addr requires a token")

// ServeOptions configures the HTTP endpoint.
type ServeOptions struct {
	Addr string
	// Path of the metrics handler. Default "/metrics".
	Path string
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool
	// Token, when set, guards the pprof endpoints with
	// "Authorization: Bearer <token>" or "?token=<token>".
	Token string
}

// Mux returns the handler tree served by Serve: the metrics handler, a
// /healthz liveness probe and, when enabled, the pprof endpoints.
func (m *Metrics) Mux(opts ServeOptions) (*http.ServeMux, error) {
	path := opts.Path
	if path == "" {
		path = DefaultPath
	}
	if opts.Pprof && strings.TrimSpace(opts.Token) == "" && opts.Addr != "" && !isLoopbackAddr(opts.Addr) {
		return nil, ErrInsecureBind
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if opts.Pprof {
		wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(opts.Token, h) }
		mux.HandleFunc(pprofPrefix, wrap(hpprof.Index))
		mux.HandleFunc(pprofPrefix+"cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc(pprofPrefix+"profile", wrap(hpprof.Profile))
		mux.HandleFunc(pprofPrefix+"symbol", wrap(hpprof.Symbol))
		mux.HandleFunc(pprofPrefix+"trace", wrap(hpprof.Trace))
	}
	return mux, nil
}

// Serve exposes the endpoints on opts.Addr until ctx ends.
func (m *Metrics) Serve(ctx context.Context, opts ServeOptions, log logx.Logger) error {
	mux, err := m.Mux(opts)
	if err != nil {
		log.Error("metrics server refused to start", logx.String("addr", opts.Addr), logx.Err(err))
		return err
	}
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Info("metrics server listening",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", opts.Pprof),
		logx.Bool("token_set", opts.Token != ""),
	)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
