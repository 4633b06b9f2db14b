package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/asr-transducer/internal/audio"
	"github.com/lexiqai/asr-transducer/internal/observability"
	"github.com/lexiqai/asr-transducer/internal/resilience"
	"github.com/lexiqai/asr-transducer/internal/server"
)

var streamFlags struct {
	url      string
	rate     int
	encoding string
	chunkMs  int
	realtime bool
}

var streamCmd = &cobra.Command{
	Use:   "stream <audio file>",
	Short: "Stream an audio file to the server",
	Long: `Send an audio file to a running server in fixed-size chunks and print the
encoder frames, resets and errors it returns. The connection is retried
with backoff until the server accepts it.

Examples:
  asrctl stream hello.wav
  asrctl stream --url ws://asr:8080/v1/stream --encoding pcmu --rate 8000 call.raw --realtime`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		enc, err := audio.ParseEncoding(streamFlags.encoding)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		pcm, rate, err := audio.ParseWAV(data)
		if err != nil {
			return err
		}
		if rate > 0 {
			enc = audio.EncodingPCM16
		} else {
			rate = streamFlags.rate
		}
		bytesPerSample := 2
		if enc == audio.EncodingPCMU {
			bytesPerSample = 1
		}
		chunk := max(rate*streamFlags.chunkMs/1000, 1) * bytesPerSample

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger := observability.ForComponent("stream_client")
		conn, err := resilience.Connect(ctx, func(ctx context.Context) (*websocket.Conn, error) {
			c, _, err := websocket.DefaultDialer.DialContext(ctx, streamFlags.url, nil)
			return c, err
		}, resilience.DefaultReconnectConfig(), logger)
		if err != nil {
			return err
		}
		defer conn.Close()

		out := cmd.OutOrStdout()
		g, gctx := errgroup.WithContext(ctx)
		context.AfterFunc(gctx, func() { conn.Close() })

		// Reader: print until the server closes the connection after stop.
		g.Go(func() error {
			frames := 0
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					// The server closes the connection once stop is handled.
					if gctx.Err() == nil {
						fmt.Fprintf(out, "done: %d encoder frames\n", frames)
					}
					return nil
				}
				msg, err := server.DecodeServerMessage(raw)
				if err != nil {
					return fmt.Errorf("decode server message: %w", err)
				}
				switch msg.Type {
				case server.TypeReady:
					fmt.Fprintf(out, "session %s\n", msg.SessionID)
				case server.TypeEncoding:
					frames += len(msg.Frames)
					fmt.Fprintf(out, "seq %d: %d frames\n", msg.Seq, len(msg.Frames))
				case server.TypeReset:
					fmt.Fprintf(out, "seq %d: reset (%s)\n", msg.Seq, msg.Reason)
				case server.TypeError:
					fmt.Fprintf(out, "seq %d: error: %s\n", msg.Seq, msg.Message)
				}
			}
		})

		// Writer: audio chunks, then stop.
		g.Go(func() error {
			interval := time.Duration(streamFlags.chunkMs) * time.Millisecond
			for start := 0; start < len(pcm); start += chunk {
				end := min(start+chunk, len(pcm))
				if err := send(conn, server.ClientMessage{
					Type:       server.TypeAudio,
					PCM:        pcm[start:end],
					Encoding:   string(enc),
					SampleRate: rate,
				}); err != nil {
					return err
				}
				if streamFlags.realtime {
					select {
					case <-gctx.Done():
						return gctx.Err()
					case <-time.After(interval):
					}
				}
			}
			return send(conn, server.ClientMessage{Type: server.TypeStop})
		})

		return g.Wait()
	},
}

func send(conn *websocket.Conn, msg server.ClientMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func init() {
	f := streamCmd.Flags()
	f.StringVar(&streamFlags.url, "url", "ws://localhost:8080/v1/stream", "server websocket endpoint")
	f.IntVar(&streamFlags.rate, "rate", 8000, "sample rate of raw (headerless) audio")
	f.StringVar(&streamFlags.encoding, "encoding", string(audio.EncodingPCM16), "encoding of raw audio: pcm16 or pcmu")
	f.IntVar(&streamFlags.chunkMs, "chunk-ms", 100, "audio per message in milliseconds")
	f.BoolVar(&streamFlags.realtime, "realtime", false, "pace messages at the audio rate")
}
