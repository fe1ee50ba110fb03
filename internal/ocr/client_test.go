package ocr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOCRSucceedsOnFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse{Message: struct {
			Content string `json:"content"`
		}{Content: "recognized text"}})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "test-model", 5*time.Second, 3, 0, nil)
	text, err := c.OCR(context.Background(), []byte("fake-image"), "prompt")
	require.NoError(t, err)
	require.Equal(t, "recognized text", text)
}

func TestOCRRetriesOnBodyLevelError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			json.NewEncoder(w).Encode(chatResponse{Error: "model overloaded"})
			return
		}
		json.NewEncoder(w).Encode(chatResponse{Message: struct {
			Content string `json:"content"`
		}{Content: "ok on third try"}})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "test-model", 5*time.Second, 3, 0, nil)
	start := time.Now()
	text, err := c.OCR(context.Background(), []byte("img"), "prompt")
	require.NoError(t, err)
	require.Equal(t, "ok on third try", text)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
	require.GreaterOrEqual(t, time.Since(start), 3*time.Second) // 1s + 2s backoff
}

func TestOCRFailsAfterExhaustingAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "test-model", 5*time.Second, 2, 0, nil)
	_, err := c.OCR(context.Background(), []byte("img"), "prompt")
	require.Error(t, err)
}

func TestOCRCacheSkipsRedundantCalls(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(chatResponse{Message: struct {
			Content string `json:"content"`
		}{Content: "cached text"}})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "test-model", 5*time.Second, 3, 64, nil)
	image := []byte("same-bytes")

	text1, err := c.OCR(context.Background(), image, "prompt")
	require.NoError(t, err)
	text2, err := c.OCR(context.Background(), image, "prompt")
	require.NoError(t, err)

	require.Equal(t, text1, text2)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
