package events_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-honeypot/relay/internal/events"
)

type failingSink struct{ calls int }

func (s *failingSink) Write(context.Context, events.Event) error {
	s.calls++
	return errors.New("disk full")
}

type fakePublisher struct {
	topic, key string
	value      []byte
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.topic, p.key, p.value = topic, key, value
	return nil
}

func TestRecorder_FansOutAndSurvivesSinkFailure(t *testing.T) {
	bad := &failingSink{}
	mem := &events.Memory{}
	rec := events.NewRecorder(slog.Default(), bad, mem)

	rec.Emit(context.Background(), events.CallbackSent, map[string]any{"sessionId": "s-1"})

	assert.Equal(t, 1, bad.calls)
	got := mem.Events()
	require.Len(t, got, 1)
	assert.Equal(t, events.CallbackSent, got[0].Type)
	assert.Equal(t, "s-1", got[0].Payload["sessionId"])
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestRecorder_NilPayloadBecomesEmptyObject(t *testing.T) {
	mem := &events.Memory{}
	rec := events.NewRecorder(nil, mem)
	rec.Emit(context.Background(), events.OutgoingWorkerStarted, nil)

	got := mem.Events()
	require.Len(t, got, 1)
	assert.NotNil(t, got[0].Payload)
}

func TestRecorder_Add(t *testing.T) {
	rec := events.NewRecorder(nil)
	mem := &events.Memory{}
	rec.Add(mem)
	rec.Add(nil)
	rec.Emit(context.Background(), "x", nil)
	assert.Equal(t, []string{"x"}, mem.Types())
}

func TestMemory_OfType(t *testing.T) {
	mem := &events.Memory{}
	rec := events.NewRecorder(nil, mem)
	rec.Emit(context.Background(), "a", nil)
	rec.Emit(context.Background(), "b", nil)
	rec.Emit(context.Background(), "a", nil)
	assert.Len(t, mem.OfType("a"), 2)
	assert.Empty(t, mem.OfType("c"))
}

func TestBrokerSink_KeysBySession(t *testing.T) {
	pub := &fakePublisher{}
	sink := events.NewBrokerSink(pub, "sentinel.events")

	err := sink.Write(context.Background(), events.Event{
		Type:      events.CallbackEnqueued,
		Timestamp: time.Now(),
		Payload:   map[string]any{"sessionId": "abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, "sentinel.events", pub.topic)
	assert.Equal(t, "abc", pub.key)

	var decoded events.Event
	require.NoError(t, json.Unmarshal(pub.value, &decoded))
	assert.Equal(t, events.CallbackEnqueued, decoded.Type)
}

func TestLogSink_WritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	sink := events.NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, sink.Write(context.Background(), events.Event{Type: "outgoing_sent", Payload: map[string]any{"id": 7}}))
	assert.Contains(t, buf.String(), `"event_type":"outgoing_sent"`)
}

func TestFileLog_UnsignedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "outgoing_http.jsonl")
	l, err := events.OpenFileLog(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, l.Write(ctx, events.Event{Type: "request", Timestamp: time.Now(), Payload: map[string]any{"id": 1}}))
	require.NoError(t, l.Write(ctx, events.Event{Type: "response", Timestamp: time.Now(), Payload: map[string]any{"status": 200}}))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry))
	assert.Equal(t, "response", entry["type"])
	assert.NotEmpty(t, entry["ts"])
}

func TestFileLog_SignedAndVerified(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := events.OpenFileLog(path, events.WithSigningKey("secret"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Write(context.Background(), events.Event{Type: "callback_sent", Payload: map[string]any{"n": i}}))
	}
	require.NoError(t, l.Close())

	total, valid, err := events.VerifySigned(path, "secret")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 3, valid)

	total, valid, err = events.VerifySigned(path, "wrong-key")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 0, valid)
}

func TestFileLog_TamperDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := events.OpenFileLog(path, events.WithSigningKey("secret"))
	require.NoError(t, err)
	require.NoError(t, l.Write(context.Background(), events.Event{Type: "outgoing_sent", Payload: map[string]any{"id": 1}}))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, bytes.Replace(data, []byte(`"id":1`), []byte(`"id":2`), 1), 0o644))

	total, valid, err := events.VerifySigned(path, "secret")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 0, valid)
}

func TestFileLog_RotatesIntoArchive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	l, err := events.OpenFileLog(path, events.WithMaxSize(200))
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Write(context.Background(), events.Event{
			Type:    "callback_error",
			Payload: map[string]any{"error": strings.Repeat("x", 40)},
		}))
	}

	archived, err := os.ReadDir(filepath.Join(dir, events.ArchiveDir))
	require.NoError(t, err)
	assert.NotEmpty(t, archived, "rotation must move full files into the archive dir")

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, st.Size(), int64(200))
}

func TestFileLog_FailedRotationKeepsWriting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	blocker := filepath.Join(dir, events.ArchiveDir)
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	l, err := events.OpenFileLog(path, events.WithMaxSize(1))
	require.NoError(t, err)
	defer l.Close()

	ev := events.Event{Type: "callback_error", Payload: map[string]any{"error": "boom"}}
	assert.Error(t, l.Write(context.Background(), ev), "archive dir cannot be created")
	assert.Error(t, l.Write(context.Background(), ev))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"), "entries still land in the active file")

	require.NoError(t, os.Remove(blocker))
	require.NoError(t, l.Write(context.Background(), ev))

	archived, err := os.ReadDir(blocker)
	require.NoError(t, err)
	assert.Len(t, archived, 1)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
}

func TestFileLog_WriteAfterClose(t *testing.T) {
	l, err := events.OpenFileLog(filepath.Join(t.TempDir(), "a.jsonl"))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	assert.Error(t, l.Write(context.Background(), events.Event{Type: "x"}))
}

func TestDiscard(t *testing.T) {
	events.Discard.Emit(context.Background(), "anything", nil)
}
