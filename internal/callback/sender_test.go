package callback_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-honeypot/relay/internal/breaker"
	"github.com/sentinel-honeypot/relay/internal/callback"
	"github.com/sentinel-honeypot/relay/internal/domain"
	"github.com/sentinel-honeypot/relay/internal/events"
	"github.com/sentinel-honeypot/relay/internal/filequeue"
	"github.com/sentinel-honeypot/relay/internal/webhook"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeQueue struct {
	payloads [][]byte
	err      error
}

func (q *fakeQueue) Enqueue(_ context.Context, payload []byte) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.payloads = append(q.payloads, payload)
	return "0000000000001.json", nil
}

type countingPoster struct{ calls atomic.Int32 }

func (p *countingPoster) Post(context.Context, webhook.Request) (webhook.Response, error) {
	p.calls.Add(1)
	return webhook.Response{StatusCode: http.StatusOK}, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

const payload = `{"sessionId":"sess-42","scamDetected":true}`

func statusServer(t *testing.T, codes ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1))
		_, _ = io.Copy(io.Discard, r.Body)
		code := codes[len(codes)-1]
		if n <= len(codes) {
			code = codes[n-1]
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newSender(url string, b *breaker.Breaker, q callback.Enqueuer, mem *events.Memory) *callback.Sender {
	return callback.NewSender(webhook.NewClient(), b, q, events.NewRecorder(nil, mem),
		callback.WithURL(url),
		callback.WithAPIKey("k"),
		callback.WithBaseDelay(time.Millisecond),
	)
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestSend_FirstAttemptSucceeds(t *testing.T) {
	srv, hits := statusServer(t, http.StatusOK)
	b := breaker.New(5, time.Minute)
	q := &fakeQueue{}
	mem := &events.Memory{}

	res := newSender(srv.URL, b, q, mem).Send(context.Background(), []byte(payload))

	assert.Equal(t, domain.OutcomeSent, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, res.DeliveryID)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 0, b.Failures())
	assert.Empty(t, q.payloads)

	sent := mem.OfType(events.CallbackSent)
	require.Len(t, sent, 1)
	assert.Equal(t, srv.URL, sent[0].Payload["destination"])
	assert.Equal(t, res.DeliveryID, sent[0].Payload["deliveryId"])
	assert.Equal(t, "sess-42", sent[0].Payload["sessionId"])
}

func TestSend_RecoversOnSecondAttempt(t *testing.T) {
	srv, hits := statusServer(t, http.StatusBadGateway, http.StatusOK)
	b := breaker.New(5, time.Minute)
	mem := &events.Memory{}

	res := newSender(srv.URL, b, &fakeQueue{}, mem).Send(context.Background(), []byte(payload))

	assert.Equal(t, domain.OutcomeSent, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 0, b.Failures(), "success resets the consecutive failure count")
	assert.Equal(t, []string{events.CallbackError, events.CallbackSent}, mem.Types())
}

func TestSend_AlwaysFailing_EnqueuesExactlyOnce(t *testing.T) {
	srv, hits := statusServer(t, http.StatusInternalServerError)
	b := breaker.New(10, time.Minute)
	dir := t.TempDir()
	mem := &events.Memory{}
	rec := events.NewRecorder(nil, mem)

	q := filequeue.New(dir, nil, rec)
	s := callback.NewSender(webhook.NewClient(), b, q, rec,
		callback.WithURL(srv.URL),
		callback.WithBaseDelay(time.Millisecond),
	)

	res := s.Send(context.Background(), []byte(payload))

	assert.Equal(t, domain.OutcomeFailedEnqueued, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 3, b.Failures())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.JSONEq(t, payload, string(data))

	assert.Len(t, mem.OfType(events.CallbackError), 3)
	assert.Len(t, mem.OfType(events.CallbackEnqueued), 1)
	for _, ev := range mem.OfType(events.CallbackError) {
		assert.Equal(t, res.DeliveryID, ev.Payload["deliveryId"])
	}

	queued := mem.OfType(events.CallbackFailedEnqueued)
	require.Len(t, queued, 1)
	assert.Equal(t, srv.URL, queued[0].Payload["destination"])
	assert.Equal(t, res.DeliveryID, queued[0].Payload["deliveryId"])
	assert.Equal(t, "sess-42", queued[0].Payload["sessionId"])
	assert.Equal(t, res.QueueFile, queued[0].Payload["file"])
	assert.Equal(t, 3, queued[0].Payload["attempts"])
}

func TestSend_OpenBreakerShortCircuits(t *testing.T) {
	b := breaker.New(1, time.Hour)
	b.RecordFailure()
	require.Equal(t, breaker.StateOpen, b.State())

	poster := &countingPoster{}
	q := &fakeQueue{}
	mem := &events.Memory{}
	s := callback.NewSender(poster, b, q, events.NewRecorder(nil, mem), callback.WithURL("http://unused"))

	res := s.Send(context.Background(), []byte(payload))

	assert.Equal(t, domain.OutcomeShortCircuited, res.Outcome)
	assert.Zero(t, res.Attempts)
	assert.Zero(t, poster.calls.Load(), "no network I/O while open")
	assert.Empty(t, q.payloads)
	assert.Equal(t, []string{events.CallbackShortCircuited}, mem.Types())
}

func TestSend_EnqueueFailureIsOnlyReported(t *testing.T) {
	srv, _ := statusServer(t, http.StatusServiceUnavailable)
	mem := &events.Memory{}
	q := &fakeQueue{err: errors.New("read-only file system")}

	res := newSender(srv.URL, breaker.New(10, time.Minute), q, mem).Send(context.Background(), []byte(payload))

	assert.Equal(t, domain.OutcomeFailedEnqueued, res.Outcome)
	failed := mem.OfType(events.EnqueueFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "sess-42", failed[0].Payload["sessionId"])
}

func TestSend_CancelledContextStillEnqueues(t *testing.T) {
	srv, _ := statusServer(t, http.StatusInternalServerError)
	q := &fakeQueue{}
	s := callback.NewSender(webhook.NewClient(), breaker.New(10, time.Minute), q, nil,
		callback.WithURL(srv.URL),
		callback.WithBaseDelay(time.Hour),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res := s.Send(ctx, []byte(payload))
	assert.Equal(t, domain.OutcomeFailedEnqueued, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, q.payloads, 1)
}

func TestSend_MissingURLCountsAsFailure(t *testing.T) {
	q := &fakeQueue{}
	s := callback.NewSender(&countingPoster{}, breaker.New(10, time.Minute), q, nil,
		callback.WithBaseDelay(time.Millisecond),
	)
	res := s.Send(context.Background(), []byte(payload))
	assert.Equal(t, domain.OutcomeFailedEnqueued, res.Outcome)
	assert.Len(t, q.payloads, 1)
}

func TestDeliver_SingleAttemptFeedsBreaker(t *testing.T) {
	srv, hits := statusServer(t, http.StatusInternalServerError, http.StatusOK)
	b := breaker.New(5, time.Minute)
	s := newSender(srv.URL, b, &fakeQueue{}, &events.Memory{})

	code, err := s.Deliver(context.Background(), []byte(payload))
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, 1, b.Failures())

	code, err = s.Deliver(context.Background(), []byte(payload))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, b.Failures())
	assert.Equal(t, int32(2), hits.Load())
}

func TestDeliver_CancelledAttemptDoesNotFeedBreaker(t *testing.T) {
	srv, hits := statusServer(t, http.StatusOK)
	b := breaker.New(1, time.Minute)
	s := newSender(srv.URL, b, &fakeQueue{}, &events.Memory{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Deliver(ctx, []byte(payload))
	require.Error(t, err)
	assert.Zero(t, hits.Load())
	assert.Equal(t, 0, b.Failures())
	assert.Equal(t, breaker.StateClosed, b.State())
}

func TestSend_AttemptCutShortByCancelDoesNotFeedBreaker(t *testing.T) {
	inflight := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(inflight)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	b := breaker.New(1, time.Minute)
	q := &fakeQueue{}
	s := callback.NewSender(webhook.NewClient(), b, q, nil,
		callback.WithURL(srv.URL),
		callback.WithBaseDelay(time.Hour),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-inflight
		cancel()
	}()

	res := s.Send(ctx, []byte(payload))
	assert.Equal(t, domain.OutcomeFailedEnqueued, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, q.payloads, 1)
	assert.Equal(t, 0, b.Failures())
	assert.Equal(t, breaker.StateClosed, b.State())
}
