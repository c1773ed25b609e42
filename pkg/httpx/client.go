package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const DefaultMaxResponseBytes = 1 << 20

var ErrResponseTooLarge = errors.New("httpx: response too large")

// JSONRequest describes one JSON call. Retries are extra attempts after a
// transport error or a 5xx response; the delay doubles after each one.
type JSONRequest struct {
	Method           string
	URL              string
	Body             []byte
	Headers          map[string]string
	Retries          int
	RetryDelay       time.Duration
	MaxResponseBytes int64
}

type JSONResponse struct {
	Status   int
	Body     []byte
	Attempts int
}

// DoJSON sends req and returns the final response. A 5xx that survives
// every retry is returned as a response, not an error. Waits between
// attempts end early when ctx is done.
func DoJSON(ctx context.Context, client *http.Client, req JSONRequest) (JSONResponse, error) {
	if client == nil {
		client = http.DefaultClient
	}
	limit := req.MaxResponseBytes
	if limit <= 0 {
		limit = DefaultMaxResponseBytes
	}
	retries := max(req.Retries, 0)
	delay := req.RetryDelay
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := wait(ctx, delay); err != nil {
				return JSONResponse{Attempts: attempt}, errors.Join(err, lastErr)
			}
			delay *= 2
		}
		resp, err := doOnce(ctx, client, req, limit)
		resp.Attempts = attempt + 1
		if err != nil {
			if errors.Is(err, ErrResponseTooLarge) || ctx.Err() != nil {
				return resp, err
			}
			lastErr = err
			continue
		}
		if resp.Status >= 500 && attempt < retries {
			lastErr = fmt.Errorf("httpx: %s returned %d", req.URL, resp.Status)
			continue
		}
		return resp, nil
	}
	return JSONResponse{Attempts: retries + 1}, lastErr
}

func doOnce(ctx context.Context, client *http.Client, req JSONRequest, limit int64) (JSONResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return JSONResponse{}, err
	}
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return JSONResponse{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return JSONResponse{Status: resp.StatusCode}, err
	}
	if int64(len(data)) > limit {
		return JSONResponse{Status: resp.StatusCode}, fmt.Errorf("%w: %s sent more than %d bytes", ErrResponseTooLarge, req.URL, limit)
	}
	return JSONResponse{Status: resp.StatusCode, Body: data}, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
