package securitylog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"security-monitor/internal/metrics"
	"security-monitor/internal/models"
	"security-monitor/internal/util"
)

const (
	sinkQueueSize     = 1024
	sinkBatchSize     = 100
	sinkFlushInterval = time.Second
	sinkTimeout       = 5 * time.Second
)

// Sink receives copies of written events, e.g. a Kafka topic or ClickHouse table.
type Sink interface {
	Name() string
	Publish(ctx context.Context, events []*models.SecurityEvent) error
}

// EncoderConfig is the security channel line format: one JSON object per
// line with an RFC3339 "timestamp" and the event's own "level" field.
func EncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}

// EventLogger appends security events to the partitioned security log and
// fans them out to sinks in the background. It never returns an error to
// callers; failures go to the process logger.
type EventLogger struct {
	encoder zapcore.Encoder
	writer  *PartitionWriter
	sinks   []Sink
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan *models.SecurityEvent
	wg     sync.WaitGroup
}

func NewEventLogger(writer *PartitionWriter, sinks ...Sink) *EventLogger {
	l := &EventLogger{
		encoder: zapcore.NewJSONEncoder(EncoderConfig()),
		writer:  writer,
		sinks:   sinks,
		now:     time.Now,
	}
	if len(sinks) > 0 {
		l.queue = make(chan *models.SecurityEvent, sinkQueueSize)
		l.wg.Add(1)
		go l.runSinks()
	}
	return l
}

// LogEvent writes one line for event. Missing id, timestamp, event name and
// level are filled from the event kind.
func (l *EventLogger) LogEvent(event *models.SecurityEvent) {
	if event == nil {
		return
	}
	ev := *event
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}
	ev.Event = ev.EventLabel()
	ev.Level = ev.EffectiveLevel()
	if ev.Message == "" {
		ev.Message = ev.Event
	}

	line, err := l.encode(&ev)
	if err != nil {
		util.Error("Failed to encode security event", zap.String("event", ev.Event), zap.Error(err))
		return
	}
	if err := l.writer.WriteLine(ev.Timestamp, line); err != nil {
		util.Error("Failed to write security event", zap.String("event", ev.Event), zap.Error(err))
		return
	}
	metrics.SecurityEventsTotal.WithLabelValues(ev.Event, string(ev.Level)).Inc()

	l.enqueue(&ev)
}

func (l *EventLogger) enqueue(ev *models.SecurityEvent) {
	if l.queue == nil {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- ev:
	default:
		metrics.SinkDroppedTotal.Inc()
		util.Warn("Security event sink queue full, dropping event", zap.String("event", ev.Event))
	}
}

func (l *EventLogger) encode(ev *models.SecurityEvent) ([]byte, error) {
	fields := []zapcore.Field{
		zap.String("id", ev.ID),
		zap.String("event", ev.Event),
		zap.String("level", string(ev.Level)),
	}
	if ev.IP != "" {
		fields = append(fields, zap.String("ip", ev.IP))
	}
	if ev.Email != "" {
		fields = append(fields, zap.String("email", util.SanitizeLogValue(ev.Email)))
	}
	if ev.UserAgent != "" {
		fields = append(fields, zap.String("user_agent", util.SanitizeLogValue(ev.UserAgent)))
	}
	if ev.URL != "" {
		fields = append(fields, zap.String("url", util.SanitizeLogValue(ev.URL)))
	}
	if ev.Method != "" {
		fields = append(fields, zap.String("method", ev.Method))
	}
	if len(ev.Extra) > 0 {
		extra := make(map[string]string, len(ev.Extra))
		for k, v := range ev.Extra {
			extra[k] = util.SanitizeLogValue(v)
		}
		fields = append(fields, zap.Any("extra", extra))
	}

	buf, err := l.encoder.EncodeEntry(zapcore.Entry{
		Time:    ev.Timestamp,
		Message: ev.Message,
	}, fields)
	if err != nil {
		return nil, err
	}
	defer buf.Free()

	line := make([]byte, buf.Len())
	copy(line, buf.Bytes())
	return line, nil
}

func (l *EventLogger) runSinks() {
	defer l.wg.Done()

	ticker := time.NewTicker(sinkFlushInterval)
	defer ticker.Stop()

	batch := make([]*models.SecurityEvent, 0, sinkBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, sink := range l.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			if err := sink.Publish(ctx, batch); err != nil {
				util.Warn("Security event sink publish failed",
					zap.String("sink", sink.Name()),
					zap.Int("events", len(batch)),
					zap.Error(err))
			}
			cancel()
		}
		batch = make([]*models.SecurityEvent, 0, sinkBatchSize)
	}

	for {
		select {
		case ev, ok := <-l.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= sinkBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close drains pending sink batches and closes the log file.
func (l *EventLogger) Close() error {
	l.mu.Lock()
	alreadyClosed := l.closed
	l.closed = true
	if !alreadyClosed && l.queue != nil {
		close(l.queue)
	}
	l.mu.Unlock()

	l.wg.Wait()
	return l.writer.Close()
}
