package webchat

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	Gateway         *Gateway
	Transcript      *TranscriptHandler
	Logger          zerolog.Logger
}

// Server owns the HTTP listener serving /ws, /transcript, /transcript.html
// and /healthz.
type Server struct {
	httpSrv         *http.Server
	shutdownTimeout time.Duration
	log             zerolog.Logger
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("server gateway is nil")
	}
	if cfg.Transcript == nil {
		return nil, errors.New("server transcript handler is nil")
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Server{
		httpSrv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewMux(cfg.Gateway, cfg.Transcript),
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownTimeout: timeout,
		log:             cfg.Logger.With().Str("component", "server").Logger(),
	}, nil
}

// NewMux mounts the gateway routes.
func NewMux(gw *Gateway, tr *TranscriptHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.HandleFunc("/transcript", tr.ServeJSON)
	mux.HandleFunc("/transcript.html", tr.ServeHTML)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) HTTPServer() *http.Server { return s.httpSrv }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.httpSrv.Addr).Msg("starting chatrelay server")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.log.Error().Err(err).Msg("server listen error")
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.log.Error().Err(err).Msg("server shutdown error")
		return err
	}
	<-errCh
	s.log.Info().Msg("server shutdown complete")
	return nil
}
