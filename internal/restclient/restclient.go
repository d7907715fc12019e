// Package restclient is the token-backed HTTP wrapper every REST-facing
// component (configuration cache, queued submit/status, streaming ingest)
// builds its requests through. It owns bearer token acquisition/caching,
// header pooling and JSON (de)serialization the way the teacher's
// kusto/ingest/internal/conn.Conn owns them for streaming ingest alone.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/google/uuid"

	"github.com/Azure/kusto-ingest-client/ingesterrors"
)

// tokenSafetyWindow is subtracted from a cached token's expiry so callers
// never hand a request a token that expires mid-flight.
const tokenSafetyWindow = 60 * time.Second

const clientRequestIDPrefix = "KIC.execute;"

// Client issues authenticated JSON requests against a single Kusto cluster
// endpoint (either the engine or the ingest/DM endpoint).
type Client struct {
	baseURL *url.URL
	cred    azcore.TokenCredential
	scopes  []string

	httpClient  *http.Client
	reqHeaders  http.Header
	headersPool chan http.Header
	done        chan struct{}

	tokenMu     sync.Mutex
	cachedToken azcore.AccessToken
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithHTTPClient overrides the default *http.Client, e.g. to inject a
// transport under test.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithUserAgent appends a product comment to the x-ms-client-version header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.reqHeaders.Set("x-ms-client-version", "Kusto.Go.IngestClient:"+ua) }
}

// New builds a Client for baseEndpoint, authenticating requests with cred
// against the given resource scopes (typically the cluster's own
// "<endpoint>/.default" scope).
func New(baseEndpoint string, cred azcore.TokenCredential, scopes []string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseEndpoint)
	if err != nil {
		return nil, ingesterrors.E(ingesterrors.OpHTTPRequest, ingesterrors.KindIllegalArgument, fmt.Errorf("invalid endpoint %q: %w", baseEndpoint, err)).SetPermanent()
	}

	headers := http.Header{}
	headers.Set("Accept", "application/json")
	headers.Set("Accept-Encoding", "gzip,deflate")
	headers.Set("x-ms-client-version", "Kusto.Go.IngestClient")
	headers.Set("Connection", "Keep-Alive")

	c := &Client{
		baseURL:     u,
		cred:        cred,
		scopes:      scopes,
		httpClient:  http.DefaultClient,
		reqHeaders:  headers,
		headersPool: make(chan http.Header, 32),
		done:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	for i := 0; i < cap(c.headersPool); i++ {
		c.headersPool <- copyHeaders(c.reqHeaders)
	}

	return c, nil
}

// Close releases the header-refill goroutines. Safe to call more than once.
func (c *Client) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}

func (c *Client) borrowHeaders() http.Header {
	headers := <-c.headersPool
	go func() {
		fresh := copyHeaders(c.reqHeaders)
		select {
		case <-c.done:
		case c.headersPool <- fresh:
		}
	}()
	return headers
}

func copyHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		vv := make([]string, len(v))
		copy(vv, v)
		out[k] = vv
	}
	return out
}

// token returns a cached, still-valid bearer token, refreshing it through
// cred when it's missing or inside the safety window. Refresh is
// serialized: concurrent callers share one acquisition instead of hammering
// the identity provider.
func (c *Client) token(ctx context.Context) (string, *ingesterrors.Error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.cachedToken.Token != "" && time.Until(c.cachedToken.ExpiresOn) > tokenSafetyWindow {
		return c.cachedToken.Token, nil
	}

	tok, err := c.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: c.scopes})
	if err != nil {
		return "", ingesterrors.E(ingesterrors.OpTokenAcquire, ingesterrors.KindAuthentication, err).SetPermanent()
	}
	c.cachedToken = tok
	return tok.Token, nil
}

// Request describes one REST call relative to the Client's base endpoint.
type Request struct {
	Method          string
	Path            string
	Query           url.Values
	Body            io.Reader
	ContentType     string
	ContentEncoding string
	ClientRequestID string
	// Op tags errors translated from this request's response; defaults to
	// OpHTTPRequest when left zero.
	Op ingesterrors.Op
	// ExtraHeaders is merged over the pooled default headers.
	ExtraHeaders map[string]string
	// Treat404AsTransient downgrades a 404 response to a transient error
	// instead of the default permanent classification; queued-submit and the
	// configuration fetch use this because a 404 there usually means "DM not
	// reachable yet", not "this will never work".
	Treat404AsTransient bool
}

// Do issues req and returns the raw response. Callers own closing the
// response body. A non-2xx response is translated into a permanence-tagged
// *ingesterrors.Error and the response is drained and closed before
// returning.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, *ingesterrors.Error) {
	tok, tokErr := c.token(ctx)
	if tokErr != nil {
		return nil, tokErr
	}

	headers := c.borrowHeaders()
	headers.Set("Authorization", "Bearer "+tok)

	crid := req.ClientRequestID
	if crid == "" {
		crid = clientRequestIDPrefix + uuid.New().String()
	}
	headers.Set("x-ms-client-request-id", crid)

	if req.ContentType != "" {
		headers.Set("Content-Type", req.ContentType)
	}
	if req.ContentEncoding != "" {
		headers.Set("Content-Encoding", req.ContentEncoding)
	}
	for k, v := range req.ExtraHeaders {
		headers.Set(k, v)
	}

	u := *c.baseURL
	u.Path = path.Join(u.Path, req.Path)
	if req.Query != nil {
		u.RawQuery = req.Query.Encode()
	}

	var body io.ReadCloser
	if req.Body != nil {
		if rc, ok := req.Body.(io.ReadCloser); ok {
			body = rc
		} else {
			body = io.NopCloser(req.Body)
		}
	}

	httpReq := &http.Request{
		Method: req.Method,
		URL:    &u,
		Header: headers,
		Body:   body,
	}

	resp, err := c.httpClient.Do(httpReq.WithContext(ctx))
	if err != nil {
		return nil, ingesterrors.E(ingesterrors.OpHTTPRequest, ingesterrors.KindNetwork, err).SetTransient()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		op := req.Op
		if op == ingesterrors.OpUnknown {
			op = ingesterrors.OpHTTPRequest
		}
		return nil, ingesterrors.HTTP(op, resp.StatusCode, string(b), req.Treat404AsTransient)
	}

	return resp, nil
}

// DoJSON issues req, decoding a 2xx response body into out (which may be
// nil to discard the body). reqBody, when non-nil, is marshaled as the
// request body with Content-Type application/json.
func (c *Client) DoJSON(ctx context.Context, req Request, reqBody, out interface{}) *ingesterrors.Error {
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return ingesterrors.E(ingesterrors.OpHTTPRequest, ingesterrors.KindIllegalArgument, err).SetPermanent()
		}
		req.Body = bytes.NewReader(b)
		if req.ContentType == "" {
			req.ContentType = "application/json; charset=utf-8"
		}
	}

	resp, doErr := c.Do(ctx, req)
	if doErr != nil {
		return doErr
	}
	defer resp.Body.Close()

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return ingesterrors.E(ingesterrors.OpHTTPRequest, ingesterrors.KindIngestSubmit, fmt.Errorf("decoding response: %w", err)).SetTransient()
	}
	return nil
}

// Endpoint returns the base URL this Client issues requests against.
func (c *Client) Endpoint() string {
	return c.baseURL.String()
}
