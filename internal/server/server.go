package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/asr-transducer/internal/audio"
	"github.com/lexiqai/asr-transducer/internal/config"
	"github.com/lexiqai/asr-transducer/internal/observability"
	"github.com/lexiqai/asr-transducer/internal/resilience"
	"github.com/lexiqai/asr-transducer/internal/tensor"
	"github.com/lexiqai/asr-transducer/internal/transducer"
)

var upgrader = websocket.Upgrader{
	// Clients are other services on the private network.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ErrTooManySessions is reported when MaxSessions connections are open.
var ErrTooManySessions = errors.New("server: session limit reached")

// Server accepts streaming recognition sessions for one model.
type Server struct {
	model      *transducer.Model
	recognizer transducer.Recognizer
	extractor  *audio.LogMelExtractor
	cfg        *config.Config
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active int
	wg     sync.WaitGroup
}

// New checks that model can run incrementally and returns a server for it.
func New(model *transducer.Model, extractor *audio.LogMelExtractor, cfg *config.Config) (*Server, error) {
	if model == nil || extractor == nil || cfg == nil {
		return nil, errors.New("server needs a model, an extractor and a config")
	}
	rec, ok := model.Encoder().(transducer.Recognizer)
	if !ok {
		return nil, transducer.ErrNotStreaming
	}
	base, cancel := context.WithCancel(context.Background())
	return &Server{
		model:      model,
		recognizer: rec,
		extractor:  extractor,
		cfg:        cfg,
		breaker:    cfg.EncoderBreaker(),
		logger:     observability.ForComponent("stream_server"),
		base:       base,
		cancel:     cancel,
	}, nil
}

// Handler upgrades the request and runs a session until the client stops,
// disconnects or goes idle.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.reserve() {
			observability.RecordError("session_limit", "stream_server")
			http.Error(w, ErrTooManySessions.Error(), http.StatusServiceUnavailable)
			return
		}
		defer s.release()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied to the client.
			s.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(s.base)
		defer cancel()
		stop := context.AfterFunc(r.Context(), cancel)
		defer stop()

		session := newSession(conn, s)
		if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			session.logger.Warn().Err(err).Msg("Session ended with error")
		}
	}
}

func initialState(s *Server) *tensor.Tensor { return s.recognizer.InitialState(1) }

func (s *Server) reserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active >= s.cfg.MaxSessions {
		return false
	}
	s.active++
	s.wg.Add(1)
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	s.wg.Done()
}

// ActiveSessions is the number of open sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ReadinessChecks reports the model and session capacity for /ready.
func (s *Server) ReadinessChecks() map[string]observability.HealthCheckFunc {
	return map[string]observability.HealthCheckFunc{
		"model": func(context.Context) (bool, error) {
			if state := s.breaker.GetState(); state == resilience.StateOpen {
				return false, fmt.Errorf("encoder circuit %s", state)
			}
			return true, nil
		},
		"sessions": func(context.Context) (bool, error) {
			if n := s.ActiveSessions(); n >= s.cfg.MaxSessions {
				return false, fmt.Errorf("%d of %d sessions in use", n, s.cfg.MaxSessions)
			}
			return true, nil
		},
	}
}

// Close ends every session and waits for them to finish or ctx to expire.
func (s *Server) Close(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
