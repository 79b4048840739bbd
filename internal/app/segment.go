package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/vadcal/internal/calibrate"
	"github.com/MrWong99/vadcal/internal/observe"
	"github.com/MrWong99/vadcal/pkg/audio"
	"github.com/MrWong99/vadcal/pkg/provider/stt"
	"github.com/MrWong99/vadcal/pkg/segmenter"
)

// maxMessageBytes bounds a single binary PCM message (about 10 s at 48 kHz).
const maxMessageBytes = 1 << 20

// maxSampleRate bounds the sample_rate query parameter.
const maxSampleRate = 192000

// Text commands accepted on a segmentation stream.
const (
	cmdFlush = "flush"
	cmdReset = "reset"
)

// segmentParams are the query parameters of GET /v1/segment.
type segmentParams struct {
	language    string
	engine      string
	sampleRate  int
	transcribe  bool
	provisional bool
}

// segmentMessage is sent for every emitted segment.
type segmentMessage struct {
	StartMs int64   `json:"start_ms"`
	EndMs   int64   `json:"end_ms"`
	Final   bool    `json:"final"`
	Samples int     `json:"samples"`
	Text    *string `json:"text,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// errorMessage reports a rejected client message. The stream stays open.
type errorMessage struct {
	Error string `json:"error"`
}

// parseSegmentParams reads and validates the stream query. engine defaults to
// defaultEngine and sample_rate to 16000.
func parseSegmentParams(q url.Values, defaultEngine string) (segmentParams, error) {
	p := segmentParams{
		language:   strings.TrimSpace(q.Get("language")),
		engine:     strings.TrimSpace(q.Get("engine")),
		sampleRate: segmenter.DefaultSampleRate,
	}
	if p.language == "" {
		return p, errors.New("language is required")
	}
	if p.engine == "" {
		p.engine = defaultEngine
	}
	if s := q.Get("sample_rate"); s != "" {
		rate, err := strconv.Atoi(s)
		if err != nil || rate <= 0 || rate > maxSampleRate {
			return p, fmt.Errorf("sample_rate %q must be an integer in (0, %d]", s, maxSampleRate)
		}
		p.sampleRate = rate
	}
	for name, dst := range map[string]*bool{"transcribe": &p.transcribe, "provisional": &p.provisional} {
		s := q.Get(name)
		if s == "" {
			continue
		}
		v, err := strconv.ParseBool(s)
		if err != nil {
			return p, fmt.Errorf("%s %q must be a boolean", name, s)
		}
		*dst = v
	}
	return p, nil
}

// handleSegment upgrades GET /v1/segment to a WebSocket segmentation stream.
// Binary messages carry 16-bit little-endian mono PCM at sample_rate. Text
// messages "flush" and "reset" control the stream. Each emitted segment is
// answered with a JSON segmentMessage.
func (a *App) handleSegment(w http.ResponseWriter, r *http.Request) {
	params, err := parseSegmentParams(r.URL.Query(), a.defaultEngine)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if params.transcribe && a.providers.Transcriber == nil {
		http.Error(w, "transcription is not configured", http.StatusBadRequest)
		return
	}

	backend := a.providers.VAD.Name()
	proc, err := segmenter.FromLanguage(a.presets, a.providers.VAD, params.language, params.engine,
		segmenter.WithProvisional(params.provisional),
		segmenter.WithObserver(observe.NewSegmentObserver(r.Context(), a.metrics, backend)),
	)
	if err != nil {
		slog.Error("segment stream: cannot open processor", "backend", backend, "err", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer proc.Close()

	ctx, info, release, err := a.streams.Start(r.Context(), StreamInfo{
		Backend:    backend,
		Language:   params.language,
		Engine:     params.engine,
		SampleRate: params.sampleRate,
		Transcribe: params.transcribe,
		Calibrated: proc.Calibrated(),
		RemoteAddr: r.RemoteAddr,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer release()

	ctx, span := observe.StartStreamSpan(ctx, info.ID,
		attribute.String("vadcal.backend", backend),
		attribute.String("vadcal.language", params.language),
		attribute.String("vadcal.engine", params.engine),
		attribute.Int("vadcal.sample_rate", params.sampleRate),
		attribute.Bool("vadcal.calibrated", proc.Calibrated()),
	)
	var (
		emitted int
		spanErr error
	)
	defer func() {
		span.SetAttributes(
			observe.AttrSegments.Int(emitted),
			attribute.Int64("vadcal.position_ms", proc.Position().Milliseconds()),
		)
		observe.EndSpan(span, spanErr)
	}()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("segment stream: websocket accept failed", "err", err)
		spanErr = err
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessageBytes)

	attrs := observe.Attr("backend", backend)
	a.metrics.ActiveStreams.Add(ctx, 1, metric.WithAttributes(attrs))
	defer a.metrics.ActiveStreams.Add(context.WithoutCancel(ctx), -1, metric.WithAttributes(attrs))

	log := observe.Logger(ctx).With("stream", info.ID, "language", params.language, "engine", params.engine)
	log.Info("segment stream opened", "sample_rate", params.sampleRate, "calibrated", proc.Calibrated(), "transcribe", params.transcribe)

	s := &segmentStream{
		conn:      conn,
		proc:      proc,
		params:    params,
		metrics:   a.metrics,
		log:       log,
		resampler: audio.NewResampler(params.sampleRate, proc.Config().SampleRate),
	}
	if params.transcribe {
		s.transcriber = a.providers.Transcriber
	}

	err = s.run(ctx)
	emitted = s.emitted
	switch {
	case err == nil:
		conn.Close(websocket.StatusNormalClosure, "")
	case errors.Is(context.Cause(ctx), ErrShuttingDown):
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	case isClientClose(err):
	default:
		log.Warn("segment stream failed", "err", err)
		spanErr = err
		conn.Close(websocket.StatusInternalError, truncateReason(err.Error()))
	}
	log.Info("segment stream closed", "position", proc.Position())
}

// segmentStream drives one processor from WebSocket messages.
type segmentStream struct {
	conn        *websocket.Conn
	proc        *segmenter.Processor
	transcriber stt.Transcriber
	params      segmentParams
	metrics     *observe.Metrics
	log         *slog.Logger
	resampler   *audio.Resampler
	emitted     int
}

// run reads messages until the client closes the stream, ctx is cancelled or
// the backend fails. A client close flushes nothing: segments still open are
// dropped with the connection.
func (s *segmentStream) run(ctx context.Context) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}

		var segs []segmenter.Segment
		switch typ {
		case websocket.MessageBinary:
			segs, err = s.processPCM(data)
		case websocket.MessageText:
			segs, err = s.command(strings.TrimSpace(string(data)))
		}

		if werr := s.emit(ctx, segs); werr != nil {
			return werr
		}
		if err != nil {
			if !errors.Is(err, segmenter.ErrStreamInputInvalid) {
				return err
			}
			if werr := wsjson.Write(ctx, s.conn, errorMessage{Error: err.Error()}); werr != nil {
				return werr
			}
		}
	}
}

func (s *segmentStream) processPCM(pcm []byte) ([]segmenter.Segment, error) {
	if len(pcm) < 2 || len(pcm)%2 != 0 {
		return nil, fmt.Errorf("segmenter: pcm message of %d bytes: %w", len(pcm), segmenter.ErrStreamInputInvalid)
	}
	samples := s.resampler.Process(audio.PCM16ToFloat32(pcm))
	if len(samples) == 0 {
		return nil, nil
	}
	return s.proc.ProcessChunk(samples, s.proc.Config().SampleRate)
}

func (s *segmentStream) command(cmd string) ([]segmenter.Segment, error) {
	switch cmd {
	case cmdFlush:
		var out []segmenter.Segment
		if tail := s.resampler.Flush(); len(tail) > 0 {
			segs, err := s.proc.ProcessChunk(tail, s.proc.Config().SampleRate)
			out = append(out, segs...)
			if err != nil {
				return out, err
			}
		}
		segs, err := s.proc.Flush()
		return append(out, segs...), err
	case cmdReset:
		s.proc.Reset()
		s.resampler.Reset()
		return nil, nil
	default:
		return nil, fmt.Errorf("segmenter: unknown command %q: %w", cmd, segmenter.ErrStreamInputInvalid)
	}
}

// emit writes one message per segment, transcribing final segments when
// enabled. A transcription failure is reported in the message and does not
// end the stream.
func (s *segmentStream) emit(ctx context.Context, segs []segmenter.Segment) error {
	for _, seg := range segs {
		msg := segmentMessage{
			StartMs: seg.Start.Milliseconds(),
			EndMs:   seg.End.Milliseconds(),
			Final:   seg.Final,
			Samples: len(seg.Audio),
		}
		if s.transcriber != nil && seg.Final {
			text, err := s.transcribe(ctx, seg)
			if err != nil {
				msg.Error = err.Error()
			} else {
				msg.Text = &text
			}
		}
		if err := wsjson.Write(ctx, s.conn, msg); err != nil {
			return err
		}
		s.emitted++
	}
	return nil
}

func (s *segmentStream) transcribe(ctx context.Context, seg segmenter.Segment) (text string, err error) {
	ctx, span := observe.StartOracleSpan(ctx, s.transcriber.Name(), "")
	span.SetAttributes(attribute.Int64("vadcal.segment_start_ms", seg.Start.Milliseconds()))
	defer func() { observe.EndSpan(span, err) }()

	start := time.Now()
	text, err = s.transcriber.Transcribe(ctx, stt.Request{
		Samples:    seg.Audio,
		SampleRate: seg.SampleRate,
		Language:   s.params.language,
		Options:    calibrate.EngineOptions(s.params.engine, s.params.language),
	})
	s.metrics.RecordOracleCall(ctx, s.transcriber.Name(), time.Since(start).Seconds(), err)
	if err != nil {
		s.log.Warn("segment transcription failed", "start", seg.Start, "err", err)
		return "", err
	}
	return text, nil
}

// isClientClose reports whether err ends the stream because the peer went
// away.
func isClientClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, context.Canceled)
}

// truncateReason keeps a close reason within the 123-byte control frame limit.
func truncateReason(s string) string {
	if len(s) <= 120 {
		return s
	}
	return s[:120]
}
