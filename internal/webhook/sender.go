package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// Request is one outbound delivery.
type Request struct {
	URL     string
	Body    []byte
	Headers map[string]string
}

// Sender makes the outbound call. A non-nil error means no HTTP response was
// received; otherwise the status code is returned.
type Sender interface {
	Send(ctx context.Context, req Request) (int, error)
}

// HTTPSender posts deliveries with net/http.
type HTTPSender struct {
	Client    *http.Client
	UserAgent string
}

func NewHTTPSender(client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPSender{Client: client, UserAgent: "ledgerhooks-webhook/1.0"}
}

func (s *HTTPSender) Send(ctx context.Context, req Request) (int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", s.UserAgent)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := s.Client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	// Drain a bounded amount so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}
