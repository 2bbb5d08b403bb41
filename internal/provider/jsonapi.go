package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"relaybot/internal/domain"
)

// apiError is a non-2xx answer that retrying did not fix or that is not
// retryable.
type apiError struct {
	backend string
	status  int
	body    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s %d: %s", e.backend, e.status, e.body)
}

// jsonAPI is a backend's HTTP endpoint: a base URL, fixed headers, and the
// shared retrying client.
type jsonAPI struct {
	backend string
	base    string
	header  http.Header
	client  *http.Client
	logger  *slog.Logger
}

func newJSONAPI(backend, base string, header http.Header, client *http.Client, logger *slog.Logger) jsonAPI {
	if client == nil {
		client = SharedHTTPClient(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if header == nil {
		header = http.Header{}
	}
	return jsonAPI{backend: backend, base: strings.TrimSuffix(base, "/"), header: header, client: client, logger: logger}
}

func (a jsonAPI) request(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, r)
	if err != nil {
		return nil, err
	}
	for k, v := range a.header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// post sends in as JSON to path, with retries, and decodes a 200 answer into out.
func (a jsonAPI) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", a.backend, err)
	}
	resp, err := doWithRetry(ctx, a.client, func() (*http.Request, error) {
		return a.request(ctx, http.MethodPost, path, body)
	}, a.logger)
	if err != nil {
		return fmt.Errorf("%s request: %w", a.backend, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{backend: a.backend, status: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", a.backend, err)
	}
	return nil
}

// probe GETs path once; anything but 200 is unhealthy.
func (a jsonAPI) probe(ctx context.Context, path string) error {
	req, err := a.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s not reachable: %w", a.backend, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: invalid API key", a.backend)
	}
	return fmt.Errorf("%s returned %d", a.backend, resp.StatusCode)
}

// encodeArgs renders call arguments for echoing a past call back to a backend.
func encodeArgs(args map[string]any) json.RawMessage {
	if args == nil {
		return json.RawMessage("{}")
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

// structuredRequest builds a request from a backend's native tool-call field.
func structuredRequest(id, name string, args map[string]any) domain.InvocationRequest {
	if args == nil {
		args = make(map[string]any)
	}
	return domain.InvocationRequest{Capability: normalizeToolName(name), Arguments: args, RequestID: id}
}
