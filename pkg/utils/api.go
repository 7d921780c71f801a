package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
)

// ErrTransport marks failures worth retrying later: connection errors,
// timeouts, 429 and 5xx responses.
var ErrTransport = errors.New("transport error")

// BrowserUserAgent is sent by clients that scrape HTML pages.
const BrowserUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:133.0) Gecko/20100101 Firefox/133.0"

// StatusError is returned for a non-2xx response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}

// Unwrap reports throttling and server errors as ErrTransport.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusTooManyRequests || e.Code >= 500 {
		return ErrTransport
	}
	return nil
}

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
	UserAgent  string
	// Transport replaces the default HTTP transport when set.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// API is a small HTTP client over resty for JSON endpoints, HTML pages and
// binary downloads.
type API struct {
	client *resty.Client
}

func NewAPI(baseURL string) *API {
	return NewAPIWithOptions(Options{BaseURL: baseURL})
}

func NewAPIWithOptions(opts Options) *API {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetLogger(restyLogger{opts.Logger}).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(10 * opts.RetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			code := r.StatusCode()
			return code == http.StatusTooManyRequests || code >= 500
		})
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}
	if opts.Transport != nil {
		client.SetTransport(opts.Transport)
	}

	return &API{client: client}
}

func (a *API) request(ctx context.Context, params url.Values) *resty.Request {
	req := a.client.R().SetContext(ctx)
	if params != nil {
		req.SetQueryParamsFromValues(params)
	}
	return req
}

func (a *API) do(req *resty.Request, path string) (*resty.Response, error) {
	resp, err := req.Get(path)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w: %w", path, ErrTransport, err)
	}
	if resp.IsError() {
		return nil, &StatusError{URL: resp.Request.URL, Code: resp.StatusCode()}
	}
	return resp, nil
}

// Get fetches path (relative to the base URL, or absolute) and decodes the
// JSON body into v.
func (a *API) Get(ctx context.Context, path string, params url.Values, v any) error {
	req := a.request(ctx, params).
		SetHeader("Accept", "application/json")
	resp, err := a.do(req, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body(), v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// GetDocument fetches an HTML page and parses it.
func (a *API) GetDocument(ctx context.Context, path string, params url.Values) (*goquery.Document, error) {
	req := a.request(ctx, params).
		SetHeader("Accept", "text/html,application/xhtml+xml").
		SetHeader("Accept-Charset", "utf-8")
	resp, err := a.do(req, path)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

// Download streams the body of rawURL into w and returns the number of
// bytes written.
func (a *API) Download(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	req := a.request(ctx, nil).SetDoNotParseResponse(true)
	resp, err := req.Get(rawURL)
	if err != nil {
		// a retry cut short hands back the last response with its body open
		if resp != nil && resp.RawBody() != nil {
			resp.RawBody().Close()
		}
		return 0, fmt.Errorf("GET %s: %w: %w", rawURL, ErrTransport, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return 0, &StatusError{URL: rawURL, Code: resp.StatusCode()}
	}
	n, err := io.Copy(w, body)
	if err != nil {
		return n, fmt.Errorf("read %s: %w: %w", rawURL, ErrTransport, err)
	}
	return n, nil
}

type restyLogger struct{ l *slog.Logger }

func (r restyLogger) Errorf(format string, v ...any) { r.l.Debug("http: " + fmt.Sprintf(format, v...)) }
func (r restyLogger) Warnf(format string, v ...any)  { r.l.Debug("http: " + fmt.Sprintf(format, v...)) }
func (r restyLogger) Debugf(format string, v ...any) { r.l.Debug("http: " + fmt.Sprintf(format, v...)) }
