package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LanternOps/breeze-sub012/internal/observability"
)

const (
	defaultBufferSize   = 1000
	defaultMaxFieldSize = 1024
)

// Logger writes audit events through a dedicated slog handler. Log returns
// as soon as the event is queued; a single goroutine writes entries in the
// order they were queued.
//
// Usage:
//
//	logger, err := audit.NewLogger(audit.DefaultConfig())
//	if err != nil { ... }
//	defer logger.Close()
//
//	recorder := audit.NewRecorder(logger)
//	orch, _ := agent.NewOrchestrator(deps, cfg, agent.WithObserver(recorder))
type Logger struct {
	config  Config
	only    map[EventType]struct{}
	slogger *slog.Logger
	closer  io.Closer
	now     func() time.Time

	queue    chan *Event
	stop     chan struct{}
	stopOnce sync.Once
	drained  chan struct{}
}

// NewLogger opens the configured output and starts the writer. A disabled
// config yields a Logger whose methods are no-ops.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}
	w, closer, err := openOutput(config.Output)
	if err != nil {
		return nil, err
	}
	l := start(config, w)
	l.closer = closer
	return l, nil
}

// NewWriterLogger creates an enabled logger writing to w.
func NewWriterLogger(config Config, w io.Writer) *Logger {
	config.Enabled = true
	return start(config, w)
}

// openOutput resolves "stdout", "stderr" or "file:<path>".
func openOutput(spec string) (io.Writer, io.Closer, error) {
	switch {
	case spec == "" || spec == "stdout":
		return os.Stdout, nil, nil
	case spec == "stderr":
		return os.Stderr, nil, nil
	case strings.HasPrefix(spec, "file:"):
		f, err := os.OpenFile(strings.TrimPrefix(spec, "file:"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		return f, f, nil
	}
	return nil, nil, fmt.Errorf("unsupported audit output: %s", spec)
}

func start(config Config, w io.Writer) *Logger {
	if config.BufferSize <= 0 {
		config.BufferSize = defaultBufferSize
	}
	if config.MaxFieldSize == 0 {
		config.MaxFieldSize = defaultMaxFieldSize
	}

	l := &Logger{
		config:  config,
		slogger: slog.New(newHandler(config.Format, w, config.Level.slogLevel())).With("component", "audit"),
		now:     time.Now,
		queue:   make(chan *Event, config.BufferSize),
		stop:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	if len(config.EventTypes) > 0 {
		l.only = make(map[EventType]struct{}, len(config.EventTypes))
		for _, t := range config.EventTypes {
			l.only[t] = struct{}{}
		}
	}
	go l.run()
	return l
}

func newHandler(format OutputFormat, w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == FormatText {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// Close writes every queued event and closes the output if the logger
// opened it. It is safe to call more than once.
func (l *Logger) Close() error {
	if l == nil || !l.config.Enabled {
		return nil
	}
	var err error
	l.stopOnce.Do(func() {
		close(l.stop)
		<-l.drained
		if l.closer != nil {
			err = l.closer.Close()
		}
	})
	return err
}

// Log queues an audit event. Events filtered by type or level are dropped.
func (l *Logger) Log(ctx context.Context, event *Event) {
	if l == nil || !l.config.Enabled || !l.accepts(event) {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	if event.TraceID == "" {
		event.TraceID = observability.GetTraceID(ctx)
	}
	if event.SpanID == "" {
		event.SpanID = observability.GetSpanID(ctx)
	}

	select {
	case l.queue <- event:
	default:
		// Queue full: write on the caller's goroutine rather than drop.
		l.write(event)
	}
}

func (l *Logger) accepts(event *Event) bool {
	if l.only != nil {
		if _, ok := l.only[event.Type]; !ok {
			return false
		}
	}
	return l.enabled(event.Level)
}

// enabled reports whether an event at level clears the configured level.
func (l *Logger) enabled(level Level) bool {
	return level.slogLevel() >= l.config.Level.slogLevel()
}

func (l *Logger) run() {
	defer close(l.drained)
	for {
		select {
		case event := <-l.queue:
			l.write(event)
		case <-l.stop:
			for {
				select {
				case event := <-l.queue:
					l.write(event)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(event *Event) {
	l.slogger.LogAttrs(context.Background(), event.Level.slogLevel(), "audit", l.attrs(event)...)
}

// attrs flattens an event into log attributes. Empty identifiers are
// omitted and string details are capped at MaxFieldSize.
func (l *Logger) attrs(event *Event) []slog.Attr {
	out := make([]slog.Attr, 0, 8+len(event.Details))
	out = append(out,
		slog.String("audit_id", event.ID),
		slog.String("audit_type", string(event.Type)),
		slog.String("action", event.Action),
		slog.String("timestamp", event.Timestamp.Format(time.RFC3339Nano)),
	)
	for _, f := range [...]struct{ key, value string }{
		{"session_id", event.SessionID},
		{"org_id", event.OrgID},
		{"user_id", event.UserID},
		{"tool_name", event.ToolName},
		{"tool_use_id", event.ToolUseID},
		{"execution_id", event.ExecutionID},
		{"trace_id", event.TraceID},
		{"span_id", event.SpanID},
		{"error", event.Error},
	} {
		if f.value != "" {
			out = append(out, slog.String(f.key, f.value))
		}
	}
	if event.Duration > 0 {
		out = append(out, slog.Int64("duration_ms", event.Duration.Milliseconds()))
	}
	for k, v := range event.Details {
		if s, ok := v.(string); ok {
			v = l.truncate(s)
		}
		out = append(out, slog.Any(k, v))
	}
	return out
}

func (l *Logger) truncate(s string) string {
	if l.config.MaxFieldSize > 0 && len(s) > l.config.MaxFieldSize {
		return s[:l.config.MaxFieldSize] + "...(truncated)"
	}
	return s
}
