package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPInvoker talks to the model gateway over HTTP. Unary calls POST to
// /invoke; streamed calls POST to /invoke/stream and read newline-delimited
// JSON parts off the response body.
type HTTPInvoker struct {
	endpoint string
	httpc    *http.Client
}

type invokeBody struct {
	Target string `json:"target"`
	Kind   string `json:"kind"`
	Prompt string `json:"prompt,omitempty"`
	Input  string `json:"input,omitempty"`
}

type partBody struct {
	Content string `json:"content"`
}

func NewHTTPInvoker(endpoint string) *HTTPInvoker {
	return &HTTPInvoker{
		endpoint: endpoint,
		httpc:    &http.Client{},
	}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	resp, err := h.post(ctx, h.endpoint+"/invoke", req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return Response{}, err
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &TransientError{Err: err}
	}
	return Response{Content: content}, nil
}

func (h *HTTPInvoker) InvokeStream(ctx context.Context, req Request, emit func(Part) error) error {
	resp, err := h.post(ctx, h.endpoint+"/invoke/stream", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var part partBody
		if err := json.Unmarshal(line, &part); err != nil {
			return fmt.Errorf("malformed stream part: %w", err)
		}
		if err := emit(Part{Content: []byte(part.Content)}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &TransientError{Err: err}
	}
	return nil
}

func (h *HTTPInvoker) post(ctx context.Context, url string, req Request) (*http.Response, error) {
	body, err := json.Marshal(invokeBody{
		Target: req.Target,
		Kind:   req.Kind,
		Prompt: req.Prompt,
		Input:  req.Input,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.httpc.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: err}
	}
	return resp, nil
}

// statusError classifies HTTP statuses: throttling and server-side failures
// are transient, everything else 4xx is permanent.
func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return &TransientError{Err: fmt.Errorf("upstream status %d", code)}
	default:
		return fmt.Errorf("upstream status %d", code)
	}
}
