package timeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Recorder accepts event-log records.
type Recorder interface {
	Append(ctx context.Context, rec *Record) error
}

// JSONLWriter appends one JSON object per line to a file.
type JSONLWriter struct {
	mu   sync.Mutex
	path string
}

// NewJSONLWriter creates the parent directory of path.
func NewJSONLWriter(path string) (*JSONLWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	return &JSONLWriter{path: path}, nil
}

func (w *JSONLWriter) Path() string { return w.path }

func (w *JSONLWriter) Append(ctx context.Context, rec *Record) error {
	prepare(rec)
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// HTTPStream posts each record as JSON to a remote collector.
type HTTPStream struct {
	URL    string
	APIKey string
	Client *http.Client
}

// NewHTTPStream creates a stream with a 20s request timeout.
func NewHTTPStream(url, apiKey string) *HTTPStream {
	return &HTTPStream{
		URL:    url,
		APIKey: apiKey,
		Client: &http.Client{Timeout: 20 * time.Second},
	}
}

func (h *HTTPStream) Append(ctx context.Context, rec *Record) error {
	prepare(rec)
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", h.APIKey)

	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post event: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes records to a topic, keyed by trace ID.
type KafkaSink struct {
	w     messageWriter
	topic string
}

// NewKafkaSink creates a synchronous producer for topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaSink{w: w, topic: topic}
}

func (k *KafkaSink) Append(ctx context.Context, rec *Record) error {
	prepare(rec)
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := rec.TraceID
	if key == "" {
		key = rec.ID
	}
	return k.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(rec.Kind)}},
		Time:    rec.Timestamp,
	})
}

func (k *KafkaSink) Close() error { return k.w.Close() }

// MultiRecorder fans a record out to every sink. Sink failures are logged
// and never returned.
type MultiRecorder struct {
	sinks []Recorder
}

// Multi combines recorders. Nil entries are skipped.
func Multi(recorders ...Recorder) *MultiRecorder {
	m := &MultiRecorder{}
	for _, r := range recorders {
		if r != nil {
			m.sinks = append(m.sinks, r)
		}
	}
	return m
}

func (m *MultiRecorder) Append(ctx context.Context, rec *Record) error {
	prepare(rec)
	for _, r := range m.sinks {
		if err := r.Append(ctx, rec); err != nil {
			slog.Warn("Event sink failed", "sink", fmt.Sprintf("%T", r), "kind", rec.Kind, "error", err)
		}
	}
	return nil
}
