package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pocketsync/pocketsync/internal/types"
)

// listTimeout caps full-list page fetches; other calls use the transport's
// default.
const listTimeout = 30 * time.Second

// HTTPClient is the default Client implementation over net/http.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	auth    AuthStore
	lang    string
	logger  *log.Logger

	rtMu sync.Mutex
	rt   *realtimeConn
}

// NewHTTPClient creates a transport against baseURL. A nil httpClient uses
// http.DefaultClient, a nil auth store uses the in-memory one.
func NewHTTPClient(baseURL string, httpClient *http.Client, auth AuthStore, lang string, logger *log.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if auth == nil {
		auth = &MemoryAuthStore{}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		auth:    auth,
		lang:    lang,
		logger:  logger,
	}
}

func recordsPath(service string) string {
	return "/api/collections/" + url.PathEscape(service) + "/records"
}

// GetOne fetches a single record.
func (c *HTTPClient) GetOne(ctx context.Context, service, id string, query map[string]string) (types.Record, error) {
	body, err := c.Send(ctx, http.MethodGet, recordsPath(service)+"/"+url.PathEscape(id), query, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord(body)
}

// GetList fetches one page of records.
func (c *HTTPClient) GetList(ctx context.Context, service string, page, perPage int, query map[string]string) (*ListResult, error) {
	q := map[string]string{}
	for k, v := range query {
		q[k] = v
	}
	q["page"] = strconv.Itoa(page)
	q["perPage"] = strconv.Itoa(perPage)

	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	body, err := c.Send(ctx, http.MethodGet, recordsPath(service), q, nil)
	if err != nil {
		return nil, err
	}
	var result ListResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode list response: %w", err)
	}
	return &result, nil
}

// Create inserts a record, as multipart when files ride along.
func (c *HTTPClient) Create(ctx context.Context, service string, body types.Record, files []File, query map[string]string) (types.Record, error) {
	resp, err := c.sendRecord(ctx, http.MethodPost, recordsPath(service), body, files, query)
	if err != nil {
		return nil, err
	}
	return decodeRecord(resp)
}

// Update patches a record, as multipart when files ride along.
func (c *HTTPClient) Update(ctx context.Context, service, id string, body types.Record, files []File, query map[string]string) (types.Record, error) {
	resp, err := c.sendRecord(ctx, http.MethodPatch, recordsPath(service)+"/"+url.PathEscape(id), body, files, query)
	if err != nil {
		return nil, err
	}
	return decodeRecord(resp)
}

// Delete removes a record.
func (c *HTTPClient) Delete(ctx context.Context, service, id string) error {
	_, err := c.Send(ctx, http.MethodDelete, recordsPath(service)+"/"+url.PathEscape(id), nil, nil)
	return err
}

// Send issues an arbitrary JSON request and returns the raw response body.
// Non-2xx responses become *types.RemoteError.
func (c *HTTPClient) Send(ctx context.Context, method, path string, query map[string]string, body map[string]any) ([]byte, error) {
	var reader io.Reader
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, query, reader, contentType)
}

// sendRecord posts a record body, switching to multipart encoding when file
// uploads are attached.
func (c *HTTPClient) sendRecord(ctx context.Context, method, path string, body types.Record, files []File, query map[string]string) ([]byte, error) {
	if len(files) == 0 {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal record body: %w", err)
		}
		return c.do(ctx, method, path, query, bytes.NewReader(b), "application/json")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for key, value := range body {
		switch v := value.(type) {
		case string:
			if err := w.WriteField(key, v); err != nil {
				return nil, fmt.Errorf("failed to write form field %s: %w", key, err)
			}
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal form field %s: %w", key, err)
			}
			if err := w.WriteField(key, string(b)); err != nil {
				return nil, fmt.Errorf("failed to write form field %s: %w", key, err)
			}
		}
	}
	for _, f := range files {
		part, err := w.CreateFormFile(f.Field, f.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file %s: %w", f.Name, err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, fmt.Errorf("failed to write form file %s: %w", f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	return c.do(ctx, method, path, query, &buf, w.FormDataContentType())
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query map[string]string, body io.Reader, contentType string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		values := url.Values{}
		for k, v := range query {
			values.Set(k, v)
		}
		u += "?" + values.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.auth.Token(); token != "" {
		req.Header.Set("Authorization", token)
	}
	if c.lang != "" {
		req.Header.Set("Accept-Language", c.lang)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &types.RemoteError{Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func decodeRecord(body []byte) (types.Record, error) {
	if len(body) == 0 {
		return types.Record{}, nil
	}
	var rec types.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record response: %w", err)
	}
	return rec, nil
}
