// Package client talks to the collector: signed config fetches and
// gzip-compressed batch uploads over a pinned TLS transport.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"telemetry-pipeline/internal/model"
	"telemetry-pipeline/internal/signing"

	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

//go:embed certs/pinned.pem
var pinnedPEM []byte

// DefaultBaseURL is the production collector.
const DefaultBaseURL = "https://nativesdks.mparticle.com"

const maxResponseBytes = 1 << 20

// ErrMissingCredentials is returned by New when the key or secret is empty.
var ErrMissingCredentials = errors.New("api key and secret are required")

// Client is the collector API used by the upload worker.
type Client interface {
	FetchConfig(ctx context.Context) (*Response, error)
	SendBatch(ctx context.Context, payload []byte) (*Response, error)
}

// Response is a completed HTTP exchange. Transport failures are returned
// as errors instead.
type Response struct {
	StatusCode int
	Body       []byte
	// BodyErr is set when the status arrived but the body could not be
	// read. The status still decides the disposition.
	BodyErr error
}

// Success reports a 2xx status.
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Disposition is what happens to uploaded rows after a response.
type Disposition int

const (
	// Retain leaves the rows queued for the next attempt.
	Retain Disposition = iota
	// Delete removes the rows.
	Delete
)

func (d Disposition) String() string {
	if d == Delete {
		return "delete"
	}
	return "retain"
}

// Classify maps a batch upload status to a disposition. Success and
// client errors delete; everything else is retried.
func Classify(status int) Disposition {
	switch {
	case status >= 200 && status < 300:
		return Delete
	case status >= 400 && status < 500:
		return Delete
	default:
		return Retain
	}
}

// Options configures an APIClient.
type Options struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
	// PinnedCAFile replaces the embedded CA chain with the PEM bundle at
	// this path.
	PinnedCAFile string
	UserAgent    string
}

// APIClient is the HTTP implementation of Client.
type APIClient struct {
	http      *http.Client
	secret    string
	configURL *url.URL
	eventsURL *url.URL
	userAgent string
	tracer    trace.Tracer
	now       func() time.Time
}

// New validates the credentials and builds a client whose transport only
// trusts the pinned CA pool.
func New(opts Options) (*APIClient, error) {
	if strings.TrimSpace(opts.APIKey) == "" || strings.TrimSpace(opts.APISecret) == "" {
		return nil, ErrMissingCredentials
	}
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse collector url %q: %w", base, err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("collector url %q must be absolute", base)
	}

	pool, err := PinnedPool(opts.PinnedCAFile)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "telemetry-pipeline/" + model.SDKVersion
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        4,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}

	return &APIClient{
		http:      &http.Client{Transport: transport, Timeout: timeout},
		secret:    opts.APISecret,
		configURL: baseURL.JoinPath("v2", opts.APIKey, "config"),
		eventsURL: baseURL.JoinPath("v1", opts.APIKey, "events"),
		userAgent: userAgent,
		tracer:    otel.Tracer("telemetry-pipeline/client"),
		now:       time.Now,
	}, nil
}

// PinnedPool builds the trust pool from the embedded chain, or from the
// PEM file at path when one is given. The system pool is never used.
func PinnedPool(path string) (*x509.CertPool, error) {
	pemData := pinnedPEM
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read pinned CA file: %w", err)
		}
		pemData = data
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, errors.New("no certificates found in pinned CA bundle")
	}
	return pool, nil
}

// FetchConfig performs the signed config GET.
func (c *APIClient) FetchConfig(ctx context.Context) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "client.FetchConfig")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.configURL.String(), nil)
	if err != nil {
		return nil, c.fail(span, fmt.Errorf("build config request: %w", err))
	}
	req.Header.Set("Accept-Encoding", "gzip")
	c.sign(req, nil)

	resp, err := c.do(req)
	if err != nil {
		return nil, c.fail(span, fmt.Errorf("fetch config: %w", err))
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}

// SendBatch signs the uncompressed payload and posts it gzip-compressed.
func (c *APIClient) SendBatch(ctx context.Context, payload []byte) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "client.SendBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.bytes", len(payload)))

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, c.fail(span, fmt.Errorf("compress batch: %w", err))
	}
	if err := zw.Close(); err != nil {
		return nil, c.fail(span, fmt.Errorf("compress batch: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.eventsURL.String(), &buf)
	if err != nil {
		return nil, c.fail(span, fmt.Errorf("build batch request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	c.sign(req, payload)

	resp, err := c.do(req)
	if err != nil {
		return nil, c.fail(span, fmt.Errorf("send batch: %w", err))
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}

func (c *APIClient) sign(req *http.Request, body []byte) {
	date := signing.FormatDate(c.now())
	req.Header.Set("Date", date)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(signing.HeaderSignature, signing.Sign(c.secret, req.Method, date, req.URL.Path, body))
}

func (c *APIClient) do(req *http.Request) (*Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &Response{StatusCode: resp.StatusCode}
	var reader io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			out.BodyErr = fmt.Errorf("open gzip response: %w", err)
			return out, nil
		}
		defer zr.Close()
		reader = zr
	}
	body, err := io.ReadAll(io.LimitReader(reader, maxResponseBytes))
	if err != nil {
		out.BodyErr = fmt.Errorf("read response: %w", err)
		return out, nil
	}
	out.Body = body
	return out, nil
}

func (c *APIClient) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
