package ingest

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/Azure/kusto-ingest-client/ingesterrors"
	"github.com/Azure/kusto-ingest-client/internal/config"
	"github.com/Azure/kusto-ingest-client/internal/containers"
	"github.com/Azure/kusto-ingest-client/internal/restclient"
	"github.com/Azure/kusto-ingest-client/trustedendpoints"
)

// Client is the public entry point: it owns the engine and DM sub-clients,
// the configuration cache, and the managed-streaming dispatcher, the way
// the teacher's Ingestion owns its resources.Manager and queued/streaming
// internals.
type Client struct {
	database string

	engine *restclient.Client
	dm     *restclient.Client

	queued     *QueuedDriver
	streaming  *StreamingDriver
	dispatcher *Dispatcher
}

type clientConfig struct {
	httpClient        *http.Client
	userAgent         string
	loginURL          string
	additionalTrusted []trustedendpoints.MatchRule
	uploadMethod      containers.Method
	maxConcurrency    int
	maxDataSize       int64
	ignoreSizeLimit   bool
	managedPolicy     ManagedStreamingPolicy
}

// Option configures a Client at construction.
type Option func(*clientConfig)

// WithHTTPClient overrides the *http.Client used for every outbound request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *clientConfig) { c.httpClient = hc }
}

// WithUserAgent appends a product token to the client version header.
func WithUserAgent(ua string) Option {
	return func(c *clientConfig) { c.userAgent = ua }
}

// WithLoginURL overrides the AAD authority the trusted-endpoint matcher
// validates both endpoints against, for national-cloud clusters.
func WithLoginURL(loginURL string) Option {
	return func(c *clientConfig) { c.loginURL = loginURL }
}

// WithAdditionalTrustedHosts extends the process-wide trusted-endpoint
// allowlist (trustedendpoints.Instance), on top of the well-known suffixes.
// The rules stay in effect for every later validation in the process, not
// only for this client.
func WithAdditionalTrustedHosts(rules []trustedendpoints.MatchRule) Option {
	return func(c *clientConfig) { c.additionalTrusted = rules }
}

// WithUploadMethod forces Storage or Lake container selection instead of
// deferring to the service's preferredUploadMethod.
func WithUploadMethod(m containers.Method) Option {
	return func(c *clientConfig) { c.uploadMethod = m }
}

// WithMaxConcurrency bounds parallel blob uploads during queued ingestion.
func WithMaxConcurrency(n int) Option {
	return func(c *clientConfig) { c.maxConcurrency = n }
}

// WithMaxDataSize bounds the size of a single local source before the
// queued upload rejects it. It does not affect the managed-streaming
// decision between streaming and queued.
func WithMaxDataSize(n int64) Option {
	return func(c *clientConfig) { c.maxDataSize = n }
}

// WithIgnoreSizeLimit disables the queued-upload size gate entirely.
func WithIgnoreSizeLimit(ignore bool) Option {
	return func(c *clientConfig) { c.ignoreSizeLimit = ignore }
}

// WithManagedStreamingPolicy overrides the managed-streaming dispatcher's
// retry schedule and backoff durations.
func WithManagedStreamingPolicy(p ManagedStreamingPolicy) Option {
	return func(c *clientConfig) { c.managedPolicy = p }
}

// New builds a Client against queryEndpoint (the cluster's engine URL),
// deriving the data-management endpoint by inserting the "ingest-" prefix
// unless queryEndpoint already names a reserved (local/onebox) host. Both
// endpoints are validated against the trusted-endpoint allowlist before any
// sub-client is built, so a misconfigured cluster URL never gets as far as
// acquiring a token for it.
func New(queryEndpoint string, cred azcore.TokenCredential, database string, opts ...Option) (*Client, error) {
	cfg := clientConfig{
		loginURL:      trustedendpoints.DefaultLoginURL,
		managedPolicy: DefaultManagedStreamingPolicy(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if len(cfg.additionalTrusted) > 0 {
		trustedendpoints.Instance.AddTrustedHosts(cfg.additionalTrusted, false)
	}

	dmEndpoint := trustedendpoints.ToIngestEndpoint(queryEndpoint)

	if err := trustedendpoints.ValidateTrustedEndpoint(queryEndpoint, cfg.loginURL); err != nil {
		return nil, ingesterrors.E(ingesterrors.OpTrustedEndpoint, ingesterrors.KindAuthentication, err).SetPermanent()
	}
	if err := trustedendpoints.ValidateTrustedEndpoint(dmEndpoint, cfg.loginURL); err != nil {
		return nil, ingesterrors.E(ingesterrors.OpTrustedEndpoint, ingesterrors.KindAuthentication, err).SetPermanent()
	}

	scopes := []string{strings.TrimRight(queryEndpoint, "/") + "/.default"}

	var restOpts []restclient.Option
	if cfg.httpClient != nil {
		restOpts = append(restOpts, restclient.WithHTTPClient(cfg.httpClient))
	}
	if cfg.userAgent != "" {
		restOpts = append(restOpts, restclient.WithUserAgent(cfg.userAgent))
	}

	engineClient, err := restclient.New(queryEndpoint, cred, scopes, restOpts...)
	if err != nil {
		return nil, err
	}
	dmClient, err := restclient.New(dmEndpoint, cred, scopes, restOpts...)
	if err != nil {
		return nil, err
	}

	fetchConfig := configFetcher(dmClient)

	var queuedOpts []QueuedOption
	queuedOpts = append(queuedOpts, WithUploadMethod(cfg.uploadMethod))
	if cfg.maxConcurrency > 0 {
		queuedOpts = append(queuedOpts, WithQueuedMaxConcurrency(cfg.maxConcurrency))
	}
	if cfg.maxDataSize > 0 {
		queuedOpts = append(queuedOpts, WithQueuedMaxDataSize(cfg.maxDataSize))
	}
	queuedOpts = append(queuedOpts, WithQueuedIgnoreSizeLimit(cfg.ignoreSizeLimit))

	queued := NewQueuedDriver(dmClient, fetchConfig, queuedOpts...)
	streaming := NewStreamingDriver(engineClient)
	dispatcher := NewDispatcher(streaming, queued, cfg.managedPolicy)

	return &Client{
		database:   database,
		engine:     engineClient,
		dm:         dmClient,
		queued:     queued,
		streaming:  streaming,
		dispatcher: dispatcher,
	}, nil
}

// Close releases the engine and DM sub-clients' header-refill goroutines.
func (c *Client) Close() error {
	c.engine.Close()
	c.dm.Close()
	return nil
}

// containerInfoWire is the wire shape of spec.md §3's ContainerInfo:
// { path: SAS-URL, kind: storage|lake }.
type containerInfoWire struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

type containerSettingsWire struct {
	Containers            []containerInfoWire `json:"containers"`
	LakeFolders           []containerInfoWire `json:"lakeFolders"`
	PreferredUploadMethod string               `json:"preferredUploadMethod"`
}

// configDocumentWire is the wire shape of spec.md §3's ConfigurationResponse.
type configDocumentWire struct {
	IngestionResourcesExpiryUtc string                `json:"IngestionResourcesExpiryUtc"`
	QueueURIs                   []string              `json:"QueueUris"`
	ContainerSettings           containerSettingsWire `json:"containerSettings"`
	FailureNotificationsURIs    []string              `json:"FailureNotificationsUris"`
	SuccessNotificationsURIs    []string              `json:"SuccessNotificationsUris"`
	TableURIs                   []string              `json:"TableUris"`
}

func configFetcher(dmClient *restclient.Client) config.Fetcher {
	return func(ctx context.Context) (config.Document, *ingesterrors.Error) {
		var wire configDocumentWire
		reqErr := dmClient.DoJSON(ctx, restclient.Request{
			Method: http.MethodGet,
			Path:                "/v1/rest/ingestion/configuration",
			Op:                  ingesterrors.OpConfigFetch,
			Treat404AsTransient: true,
		}, nil, &wire)
		if reqErr != nil {
			return config.Document{}, reqErr
		}

		return config.Document{
			QueueURIs:                wire.QueueURIs,
			Containers:               toContainerInfos(wire.ContainerSettings.Containers),
			LakeFolders:              toContainerInfos(wire.ContainerSettings.LakeFolders),
			PreferredUploadMethod:    wire.ContainerSettings.PreferredUploadMethod,
			FailureNotificationsURIs: wire.FailureNotificationsURIs,
			SuccessNotificationsURIs: wire.SuccessNotificationsURIs,
			TableURIs:                wire.TableURIs,
		}, nil
	}
}

func toContainerInfos(wire []containerInfoWire) []config.ContainerInfo {
	if wire == nil {
		return nil
	}
	out := make([]config.ContainerInfo, len(wire))
	for i, w := range wire {
		out[i] = config.ContainerInfo{Path: w.Path, Kind: w.Kind}
	}
	return out
}

// Ingest submits source to table under the managed-streaming dispatcher: it
// attempts streaming first and falls back to queued ingestion per
// spec.md §4.J, unless forced otherwise by the source type or policy.
func (c *Client) Ingest(ctx context.Context, table string, source Source, props IngestRequestProperties) (IngestionOperation, *ingesterrors.Error) {
	return c.dispatcher.Ingest(ctx, source, c.database, table, props)
}

// IngestQueued always routes through the queued pipeline, regardless of
// source size or managed-streaming policy.
func (c *Client) IngestQueued(ctx context.Context, table string, sources []Source, props IngestRequestProperties, failOnPartialUploadError bool) (IngestResponse, *ingesterrors.Error) {
	return c.queued.Submit(ctx, c.database, table, sources, props, failOnPartialUploadError)
}

// IngestStreaming always routes through the streaming endpoint, bypassing
// the dispatcher's backoff and fallback logic entirely.
func (c *Client) IngestStreaming(ctx context.Context, table string, source Source, format DataFormat, props IngestRequestProperties) *ingesterrors.Error {
	return c.streaming.Submit(ctx, c.database, table, source, format, props)
}

// GetStatus polls a queued operation's current status.
func (c *Client) GetStatus(ctx context.Context, table, operationID string, forceDetails bool) (StatusResponse, *ingesterrors.Error) {
	return c.queued.GetStatus(ctx, c.database, table, operationID, forceDetails)
}

// IngestFromFile is a convenience wrapper building a FileSource from path
// and routing it through the managed dispatcher.
func (c *Client) IngestFromFile(ctx context.Context, table, path string, props IngestRequestProperties) (IngestionOperation, *ingesterrors.Error) {
	src := NewFileSource(path, props.Format, "")
	return c.Ingest(ctx, table, src, props)
}

// IngestFromReader is a convenience wrapper building a StreamSource from an
// in-memory or piped reader and routing it through the managed dispatcher.
func (c *Client) IngestFromReader(ctx context.Context, table string, r io.Reader, format DataFormat, props IngestRequestProperties) (IngestionOperation, *ingesterrors.Error) {
	src := NewStreamSource(r, format, "")
	return c.Ingest(ctx, table, src, props)
}
