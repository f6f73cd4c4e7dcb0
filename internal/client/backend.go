package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// backend is the single place that speaks HTTP to the server.
type backend struct {
	baseURL string
	http    *http.Client
	log     *logrus.Entry

	mu    sync.RWMutex
	token string
}

type apiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

func newBackend(baseURL string, hc *http.Client, log *logrus.Entry) *backend {
	return &backend{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		log:     log,
	}
}

func (b *backend) setToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = token
}

func (b *backend) getToken() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.token
}

// wsURL maps the base address onto the websocket endpoint.
func (b *backend) wsURL() (string, error) {
	u, err := url.Parse(b.baseURL + "/ws")
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func (b *backend) authHeader() http.Header {
	h := http.Header{}
	if token := b.getToken(); token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

func (b *backend) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header = b.authHeader()
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	return b.send(req, out)
}

func (b *backend) upload(ctx context.Context, path, field, filename string, data []byte, out any) error {
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header = b.authHeader()
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return b.send(req, out)
}

func (b *backend) send(req *http.Request, out any) error {
	resp, err := b.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	b.log.Debugf("%s %s -> %d", req.Method, req.URL.Path, resp.StatusCode)

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = strings.ToLower(http.StatusText(resp.StatusCode))
		}
		return &Error{Kind: kindForStatus(resp.StatusCode), Status: resp.StatusCode, Message: msg}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindInternal, Status: resp.StatusCode, Message: "malformed response", Err: err}
	}

	return nil
}
