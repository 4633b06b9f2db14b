package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/asr-transducer/internal/audio"
	"github.com/lexiqai/asr-transducer/internal/observability"
	"github.com/lexiqai/asr-transducer/internal/resilience"
	"github.com/lexiqai/asr-transducer/internal/tensor"
)

// errStopped ends Run after a client stop message.
var errStopped = errors.New("session stopped by client")

type inbound struct {
	msg ClientMessage
	err error
}

// Session is one websocket connection and the recurrent encoder state that
// belongs to it. Only Run's goroutine touches the state.
type Session struct {
	id     string
	conn   *websocket.Conn
	srv    *Server
	state  *tensor.Tensor
	stream *audio.FeatureStream
	vad    *audio.VADDetector

	// pending holds feature rows not yet fed to the encoder so that every
	// step sees a whole number of reduction windows.
	pending []float64
	width   int
	seq     int

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func newSession(conn *websocket.Conn, srv *Server) *Session {
	id := observability.NewSessionID()
	rate := srv.extractor.SampleRate()
	return &Session{
		id:      id,
		conn:    conn,
		srv:     srv,
		state:   initialState(srv),
		stream:  srv.extractor.NewStream(),
		vad:     audio.NewVADDetector(srv.cfg.VAD(rate / 50)), // 20ms frames
		width:   srv.extractor.NumBins(),
		metrics: observability.NewSessionMetrics(id),
		logger:  observability.WithSession(id),
	}
}

// Run serves the connection until the client stops, the connection drops,
// the idle timeout fires or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	s.metrics.RecordSessionStart()
	defer s.metrics.RecordSessionEnd()
	s.logger.Info().Msg("Session started")

	if err := s.send(ServerMessage{Type: TypeReady, SessionID: s.id}); err != nil {
		return err
	}

	incoming := make(chan inbound)
	go s.readLoop(ctx, incoming)

	for {
		select {
		case <-ctx.Done():
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return ctx.Err()

		case in, ok := <-incoming:
			if !ok {
				return nil
			}
			if in.err != nil {
				s.metrics.RecordError("bad_message", "session")
				s.logger.Warn().Err(in.err).Msg("Failed to parse client message")
				if err := s.sendError(in.err); err != nil {
					return err
				}
				continue
			}
			err := s.handle(in.msg)
			if errors.Is(err, errStopped) {
				s.logger.Info().Int("seq", s.seq).Msg("Session stopped")
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

// readLoop owns conn reads. Decode failures are forwarded so the session can
// report them; read failures close the channel.
func (s *Session) readLoop(ctx context.Context, out chan<- inbound) {
	defer close(out)
	timeout := s.srv.cfg.IdleTimeout()
	for {
		if timeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(timeout))
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		msg, err := DecodeClientMessage(data)
		select {
		case out <- inbound{msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) handle(msg ClientMessage) error {
	switch msg.Type {
	case TypeAudio:
		return s.handleAudio(msg)

	case TypeFeatures:
		if err := s.appendFrames(msg.Frames); err != nil {
			return s.sendError(err)
		}
		return s.encode(false)

	case TypeReset:
		s.reset(ResetClient)
		return s.send(ServerMessage{Type: TypeReset, Seq: s.seq, Reason: ResetClient})

	case TypeStop:
		if err := s.encode(true); err != nil {
			return err
		}
		return errStopped

	default:
		return s.sendError(fmt.Errorf("unknown message type %q", msg.Type))
	}
}

func (s *Session) handleAudio(msg ClientMessage) error {
	enc := audio.EncodingPCM16
	if msg.Encoding != "" {
		parsed, err := audio.ParseEncoding(msg.Encoding)
		if err != nil {
			return s.sendError(err)
		}
		enc = parsed
	}
	rate := msg.SampleRate
	if rate == 0 {
		rate = s.srv.cfg.InputSampleRate
	}
	samples, err := audio.Decode(enc, msg.PCM, rate, s.srv.extractor.SampleRate())
	if err != nil {
		return s.sendError(err)
	}
	s.metrics.RecordAudioBytes(string(enc), int64(len(msg.PCM)))

	ended := s.vad.Process(samples)
	if feats := s.stream.Push(samples); feats != nil {
		s.pending = append(s.pending, feats.Data()...)
	}
	if err := s.encode(false); err != nil {
		return err
	}

	if ended {
		// Speech may already have resumed later in the same chunk.
		s.logger.Debug().Bool("speaking", s.vad.IsSpeaking()).Int("seq", s.seq).Msg("Utterance ended")
	}
	if ended && s.srv.cfg.VADResetState {
		if err := s.encode(true); err != nil {
			return err
		}
		s.reset(ResetEndpoint)
		return s.send(ServerMessage{Type: TypeReset, Seq: s.seq, Reason: ResetEndpoint})
	}
	return nil
}

func (s *Session) appendFrames(frames [][]float64) error {
	for i, row := range frames {
		if len(row) != s.width {
			return fmt.Errorf("frame %d has %d bins, want %d", i, len(row), s.width)
		}
	}
	for _, row := range frames {
		s.pending = append(s.pending, row...)
	}
	return nil
}

// encode feeds pending rows to the encoder and sends the resulting frames.
// Unless flush is set it keeps back rows that do not fill a reduction window.
func (s *Session) encode(flush bool) error {
	rows := len(s.pending) / s.width
	if !flush {
		factor := s.srv.model.TimeReductionFactor()
		rows -= rows % factor
	}
	if rows == 0 {
		return nil
	}

	x := tensor.FromSlice(append([]float64(nil), s.pending[:rows*s.width]...), rows, s.width, 1)
	s.metrics.RecordRecognizeStart()
	var out, next *tensor.Tensor
	err := s.srv.breaker.Call(func() error {
		var err error
		out, next, err = s.srv.model.EncoderInference(x, s.state, false)
		return err
	})
	observability.UpdateCircuitBreakerState(s.srv.breaker.Name(), int(s.srv.breaker.GetState()))
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(s.srv.breaker.Name())
		}
		s.metrics.RecordRecognizeEnd(0, false)
		s.metrics.RecordError("recognize", "session")
		s.logger.Error().Err(err).Int("rows", rows).Msg("Encoder step failed")
		s.pending = append(s.pending[:0], s.pending[rows*s.width:]...)
		return s.sendError(err)
	}
	s.metrics.RecordRecognizeEnd(out.Dim(0), true)

	s.state = next
	s.pending = append(s.pending[:0], s.pending[rows*s.width:]...)
	s.seq++

	frames := make([][]float64, out.Dim(0))
	dim := out.Dim(1)
	data := out.Data()
	for i := range frames {
		frames[i] = append([]float64(nil), data[i*dim:(i+1)*dim]...)
	}
	s.logger.Debug().Int("seq", s.seq).Int("rows", rows).Int("frames", len(frames)).Msg("Encoded chunk")
	return s.send(ServerMessage{Type: TypeEncoding, Seq: s.seq, Frames: frames})
}

// reset starts a new utterance: fresh recurrent state, empty buffers.
func (s *Session) reset(reason string) {
	s.pending = s.pending[:0]
	s.state = initialState(s.srv)
	s.stream.Reset()
	s.vad.Reset()
	s.metrics.RecordStateReset(reason)
	s.logger.Info().Str("reason", reason).Msg("Encoder state reset")
}

func (s *Session) sendError(err error) error {
	return s.send(ServerMessage{Type: TypeError, Seq: s.seq, Message: err.Error()})
}

func (s *Session) send(msg ServerMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write %s message: %w", msg.Type, err)
	}
	return nil
}
