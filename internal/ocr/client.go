// Package ocr implements a single-request client of the remote
// vision-language OCR service described in spec §4.4 and §6, with
// bounded retries, exponential backoff, and a content-addressed
// response cache that skips redundant calls on retry.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/minio/highwayhash"
	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"

	"github.com/bookscan/epub-ocr/internal/metrics"
)

// highwayKey is a fixed 32-byte key for highwayhash. It need not be
// secret: the hash is used only as a cache key, not for authentication.
var highwayKey = make([]byte, 32)

// Client converts a page image into text via a remote vision service.
type Client interface {
	OCR(ctx context.Context, image []byte, prompt string) (string, error)
}

// HTTPClient is the production Client, talking to an Ollama-style
// /api/chat endpoint.
type HTTPClient struct {
	BaseURL string
	Model   string
	Timeout time.Duration
	Retries int

	HTTP  *http.Client
	cache *lru.Cache[string, string]
	log   *logrus.Entry
}

// NewHTTPClient returns an HTTPClient. cacheSize <= 0 disables the
// response cache.
func NewHTTPClient(baseURL, model string, timeout time.Duration, retries, cacheSize int, log *logrus.Entry) *HTTPClient {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if retries <= 0 {
		retries = 3
	}
	c := &HTTPClient{
		BaseURL: baseURL,
		Model:   model,
		Timeout: timeout,
		Retries: retries,
		HTTP:    &http.Client{},
		log:     log,
	}
	if cacheSize > 0 {
		cache, err := lru.New[string, string](cacheSize)
		if err == nil {
			c.cache = cache
		}
	}
	return c
}

type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Stream   bool          `json:"stream"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Error string `json:"error"`
}

func cacheKey(image []byte, prompt string) string {
	h, _ := highwayhash.New64(highwayKey)
	h.Write(image)
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// OCR converts image into text, retrying up to Retries attempts with
// exponential backoff (1s, 2s, 4s, ...) on any transport error, non-2xx
// response, a body-level "error" field, or a missing
// message.content. After all attempts it fails with a message
// preserving the last error's detail.
func (c *HTTPClient) OCR(ctx context.Context, image []byte, prompt string) (string, error) {
	key := cacheKey(image, prompt)
	if c.cache != nil {
		if text, ok := c.cache.Get(key); ok {
			return text, nil
		}
	}

	attempts := c.Retries
	if attempts <= 0 {
		attempts = 3
	}

	var text string
	err := retry.Do(
		func() error {
			t, err := c.attempt(ctx, image, prompt)
			if err != nil {
				return err
			}
			text = t
			return nil
		},
		retry.Attempts(uint(attempts)),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return time.Duration(1<<n) * time.Second
		}),
		retry.OnRetry(func(n uint, err error) {
			c.log.WithError(err).WithField("attempt", n+1).Warn("OCR attempt failed, retrying")
		}),
	)
	if err != nil {
		metrics.PagesOCRed.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("OCR failed after %d attempts: %w", attempts, err)
	}

	metrics.PagesOCRed.WithLabelValues("success").Inc()
	if c.cache != nil {
		c.cache.Add(key, text)
	}
	return text, nil
}

func (c *HTTPClient) attempt(ctx context.Context, image []byte, prompt string) (_ string, err error) {
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failed"
		}
		metrics.OCRAttemptDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	reqBody := chatRequest{
		Model:  c.Model,
		Stream: false,
		Messages: []chatMessage{{
			Role:    "user",
			Content: prompt,
			Images:  []string{base64.StdEncoding.EncodeToString(image)},
		}},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("encoding OCR request: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.BaseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building OCR request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("OCR transport error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading OCR response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("OCR service returned %s: %s", resp.Status, truncate(body, 500))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parsing OCR response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("OCR service reported an error: %s", parsed.Error)
	}
	if parsed.Message.Content == "" {
		return "", fmt.Errorf("OCR response missing message.content")
	}

	return parsed.Message.Content, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
