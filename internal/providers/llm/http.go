package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// postJSON posts body to url and decodes a 2xx reply into out. Timeouts,
// 408, 429 and 5xx replies are retried up to three times with backoff.
func postJSON(ctx context.Context, provider, url string, headers map[string]string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	httpClient := &http.Client{Timeout: clientTimeout()}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt - 1)):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		res, err := httpClient.Do(req)
		if err != nil {
			lastErr = err
			if isTimeout(err) {
				continue
			}
			return err
		}
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			err := json.NewDecoder(res.Body).Decode(out)
			res.Body.Close()
			return err
		}
		var eresp map[string]any
		_ = json.NewDecoder(res.Body).Decode(&eresp)
		res.Body.Close()
		lastErr = fmt.Errorf("%s status %d: %v", provider, res.StatusCode, eresp)
		if res.StatusCode == 408 || res.StatusCode == 429 || (res.StatusCode >= 500 && res.StatusCode <= 599) {
			continue
		}
		return lastErr
	}
	return lastErr
}

func clientTimeout() time.Duration {
	if v := os.Getenv("LLM_HTTP_TIMEOUT_MS"); v != "" {
		if ms, err := time.ParseDuration(v + "ms"); err == nil {
			return ms
		}
	}
	return 45 * time.Second
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	if te, ok := err.(timeout); ok {
		return te.Timeout()
	}
	return false
}

func backoff(i int) time.Duration {
	return time.Duration(500*(1<<i)) * time.Millisecond
}
