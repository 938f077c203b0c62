package webhook_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-honeypot/relay/internal/webhook"
)

func TestClient_Post_Success(t *testing.T) {
	var gotBody, gotKey, gotCT, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotKey = r.Header.Get("x-api-key")
		gotCT = r.Header.Get("Content-Type")
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	resp, err := webhook.NewClient().Post(context.Background(), webhook.Request{
		URL:    srv.URL,
		APIKey: "secret",
		Body:   []byte(`{"sessionId":"s1"}`),
	})
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, `{"ok":true}`, resp.Body)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, `{"sessionId":"s1"}`, gotBody)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "application/json", gotCT)
}

func TestClient_Post_OmitsEmptyAPIKey(t *testing.T) {
	var present bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present = r.Header["X-Api-Key"]
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	_, err := webhook.NewClient().Post(context.Background(), webhook.Request{URL: srv.URL, Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.False(t, present)
}

func TestClient_Post_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	resp, err := webhook.NewClient().Post(context.Background(), webhook.Request{URL: srv.URL, Body: []byte(`{}`)})
	require.Error(t, err)

	var statusErr *webhook.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode, "response is returned even on non-2xx")
	assert.Equal(t, "boom", resp.Body)
}

func TestClient_Post_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	_, err := webhook.NewClient().Post(context.Background(), webhook.Request{
		URL:     srv.URL,
		Body:    []byte(`{}`),
		Timeout: 20 * time.Millisecond,
	})
	require.Error(t, err)
}

func TestClient_Post_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	resp, err := webhook.NewClient().Post(context.Background(), webhook.Request{URL: url, Body: []byte(`{}`)})
	require.Error(t, err)
	assert.Equal(t, 0, resp.StatusCode)
}
