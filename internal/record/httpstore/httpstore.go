package httpstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"

	"grainstore/internal/record"
)

const (
	defaultRetryMax     = 2
	defaultRetryWaitMin = 100 * time.Millisecond
	defaultRetryWaitMax = 2 * time.Second
)

// Config carries the connection settings for a remote record server.
// Zero retry fields fall back to the package defaults.
type Config struct {
	// BaseURL is the root of the remote server, e.g. "http://127.0.0.1:8470".
	BaseURL string

	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Store forwards every record operation to a remote record server.
type Store struct {
	base   string
	client *retryablehttp.Client
}

// Wire mirrors of the server's request and response bodies.
type writeBody struct {
	Payload []byte `json:"payload"`
}

type recordBody struct {
	Key       string `json:"key"`
	Payload   []byte `json:"payload"`
	Version   int64  `json:"version"`
	Tombstone bool   `json:"tombstone"`
}

type versionBody struct {
	Version int64 `json:"version"`
}

type purgeBody struct {
	Purged int `json:"purged"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Open validates cfg and builds the store. No connection is made until the
// first request; use Ping to probe the server.
func Open(cfg Config, logger hclog.Logger) (*Store, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("open http store: base URL is empty")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("open http store: parse base URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("open http store: unsupported scheme %q in %q", base.Scheme, cfg.BaseURL)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	rc := retryablehttp.NewClient()
	rc.Logger = logger.Named("httpstore")
	// Hand the final response back even when retries are exhausted, so the
	// server's error body makes it into the returned error.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RetryMax = cfg.RetryMax
	if rc.RetryMax == 0 {
		rc.RetryMax = defaultRetryMax
	}
	rc.RetryWaitMin = cfg.RetryWaitMin
	if rc.RetryWaitMin == 0 {
		rc.RetryWaitMin = defaultRetryWaitMin
	}
	rc.RetryWaitMax = cfg.RetryWaitMax
	if rc.RetryWaitMax == 0 {
		rc.RetryWaitMax = defaultRetryWaitMax
	}

	return &Store{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		client: rc,
	}, nil
}

func (s *Store) InsertIfAbsent(ctx context.Context, key string, payload []byte) (int64, error) {
	if err := record.ValidateKey(key); err != nil {
		return 0, err
	}
	resp, err := s.do(ctx, http.MethodPut, s.recordURL(key), writeBody{Payload: payload},
		"If-None-Match", "*")
	if err != nil {
		return 0, fmt.Errorf("insert %q: %w", key, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return decodeVersion(resp)
	case http.StatusPreconditionFailed:
		return 0, record.ErrNoMatch
	default:
		return 0, fmt.Errorf("insert %q: %w", key, unexpectedStatus(resp))
	}
}

func (s *Store) CompareAndSwapUpdate(ctx context.Context, key string, expected int64, payload []byte) (int64, error) {
	if err := record.ValidateKey(key); err != nil {
		return 0, err
	}
	// Stored versions start at 1, so anything lower can never match and the
	// server would reject the tag outright.
	if expected < 1 {
		return 0, record.ErrNoMatch
	}
	resp, err := s.do(ctx, http.MethodPut, s.recordURL(key), writeBody{Payload: payload},
		"If-Match", etag(expected))
	if err != nil {
		return 0, fmt.Errorf("update %q: %w", key, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return decodeVersion(resp)
	case http.StatusPreconditionFailed:
		return 0, record.ErrNoMatch
	default:
		return 0, fmt.Errorf("update %q: %w", key, unexpectedStatus(resp))
	}
}

func (s *Store) CompareAndSwapTombstone(ctx context.Context, key string, expected int64) (int64, error) {
	if err := record.ValidateKey(key); err != nil {
		return 0, err
	}
	if expected < 1 {
		return 0, record.ErrNoMatch
	}
	resp, err := s.do(ctx, http.MethodDelete, s.recordURL(key), nil,
		"If-Match", etag(expected))
	if err != nil {
		return 0, fmt.Errorf("tombstone %q: %w", key, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return decodeVersion(resp)
	case http.StatusPreconditionFailed:
		return 0, record.ErrNoMatch
	default:
		return 0, fmt.Errorf("tombstone %q: %w", key, unexpectedStatus(resp))
	}
}

func (s *Store) ReadByKey(ctx context.Context, key string) (*record.Record, error) {
	if err := record.ValidateKey(key); err != nil {
		return nil, err
	}
	resp, err := s.do(ctx, http.MethodGet, s.recordURL(key), nil)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", key, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body recordBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("read %q: decode response: %w", key, err)
		}
		return &record.Record{
			Key:       body.Key,
			Payload:   body.Payload,
			Version:   body.Version,
			Tombstone: body.Tombstone,
		}, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("read %q: %w", key, unexpectedStatus(resp))
	}
}

// PurgeTombstones asks the remote server to run its compaction sweep. The
// server answers 501 when its own backend cannot purge; that surfaces here
// as a plain error.
func (s *Store) PurgeTombstones(ctx context.Context) (int, error) {
	resp, err := s.do(ctx, http.MethodPost, s.base+"/v1/maintenance/purge-tombstones", nil)
	if err != nil {
		return 0, fmt.Errorf("purge tombstones: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("purge tombstones: %w", unexpectedStatus(resp))
	}
	var body purgeBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("purge tombstones: decode response: %w", err)
	}
	return body.Purged, nil
}

// Ping probes the remote health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	resp, err := s.do(ctx, http.MethodGet, s.base+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping: %w", unexpectedStatus(resp))
	}
	return nil
}

// Close releases idle connections held by the transport.
func (s *Store) Close() error {
	s.client.HTTPClient.CloseIdleConnections()
	return nil
}

func (s *Store) recordURL(key string) string {
	return s.base + "/v1/records/" + url.PathEscape(key)
}

// do builds and executes one request. headers come in key, value pairs.
func (s *Store) do(ctx context.Context, method, url string, body any, headers ...string) (*http.Response, error) {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, raw)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return resp, nil
}

func decodeVersion(resp *http.Response) (int64, error) {
	var body versionBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return body.Version, nil
}

// unexpectedStatus turns a non-protocol response into an error, keeping the
// server's own message when it sent one.
func unexpectedStatus(resp *http.Response) error {
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}

func etag(version int64) string {
	return `"` + strconv.FormatInt(version, 10) + `"`
}
