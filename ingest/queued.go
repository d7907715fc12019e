package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/Azure/kusto-ingest-client/ingesterrors"
	"github.com/Azure/kusto-ingest-client/internal/config"
	"github.com/Azure/kusto-ingest-client/internal/containers"
	"github.com/Azure/kusto-ingest-client/internal/restclient"
	"github.com/Azure/kusto-ingest-client/internal/upload"
)

// QueuedDriver is component G: it stages local sources through an Uploader,
// submits the combined blob list to the DM's queued-ingestion endpoint, and
// polls for terminal status.
type QueuedDriver struct {
	client *restclient.Client
	cfg    *config.Cache

	uploadMethod    containers.Method
	maxConcurrency  int
	maxDataSize     int64
	ignoreSizeLimit bool
}

// QueuedOption configures a QueuedDriver at construction.
type QueuedOption func(*QueuedDriver)

func WithUploadMethod(m containers.Method) QueuedOption {
	return func(d *QueuedDriver) { d.uploadMethod = m }
}

func WithQueuedMaxConcurrency(n int) QueuedOption {
	return func(d *QueuedDriver) { d.maxConcurrency = n }
}

func WithQueuedMaxDataSize(n int64) QueuedOption {
	return func(d *QueuedDriver) { d.maxDataSize = n }
}

func WithQueuedIgnoreSizeLimit(ignore bool) QueuedOption {
	return func(d *QueuedDriver) { d.ignoreSizeLimit = ignore }
}

// NewQueuedDriver builds a QueuedDriver against the DM endpoint client.
// fetchConfig retrieves a fresh config.Document from the cluster; it's
// wrapped in a config.Cache so repeated submits within the TTL reuse it.
func NewQueuedDriver(client *restclient.Client, fetchConfig config.Fetcher, opts ...QueuedOption) *QueuedDriver {
	d := &QueuedDriver{
		client:         client,
		cfg:            config.New(fetchConfig),
		uploadMethod:   containers.MethodDefault,
		maxConcurrency: 0, // upload.New's default applies when zero
		maxDataSize:    4 * 1024 * 1024 * 1024,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type queuedBlob struct {
	URL      string `json:"url"`
	SourceID string `json:"sourceId"`
	RawSize  *int64 `json:"rawSize,omitempty"`
}

type queuedSubmitBody struct {
	Timestamp  time.Time              `json:"timestamp"`
	Blobs      []queuedBlob           `json:"blobs"`
	Properties map[string]interface{} `json:"properties"`
}

type queuedSubmitResponse struct {
	IngestionOperationID string `json:"ingestionOperationId"`
}

// Submit implements spec.md §4.G's submit contract. failOnPartialUploadError
// controls whether a partial local-upload failure aborts the whole submit
// (aggregated as a PartialUpload error) or proceeds with whatever uploaded
// successfully.
func (d *QueuedDriver) Submit(ctx context.Context, database, table string, sources []Source, props IngestRequestProperties, failOnPartialUploadError bool) (IngestResponse, *ingesterrors.Error) {
	var blobSources []BlobSource
	var localSources []Source

	for _, s := range sources {
		switch v := s.(type) {
		case BlobSource:
			blobSources = append(blobSources, v)
		default:
			localSources = append(localSources, v)
		}
	}

	blobs := lo.Map(blobSources, func(b BlobSource, _ int) queuedBlob {
		return queuedBlob{URL: b.URL, SourceID: b.sourceID()}
	})

	if len(localSources) > 0 {
		uploaded, uploadErr := d.uploadLocalSources(ctx, database, table, localSources, failOnPartialUploadError)
		if uploadErr != nil {
			return IngestResponse{}, uploadErr
		}
		blobs = append(blobs, uploaded...)
	}

	body := queuedSubmitBody{
		Timestamp:  time.Now().UTC(),
		Blobs:      blobs,
		Properties: propsToMap(props),
	}

	var resp queuedSubmitResponse
	reqErr := d.client.DoJSON(ctx, restclient.Request{
		Method:              http.MethodPost,
		Path:                fmt.Sprintf("/v1/rest/ingestion/queued/%s/%s", database, table),
		Op:                  ingesterrors.OpQueuedSubmit,
		Treat404AsTransient: true,
	}, body, &resp)
	if reqErr != nil {
		if reqErr.HTTPStatus == http.StatusNotFound {
			reqErr.Err = fmt.Errorf("endpoint not found; cluster may not support queued ingestion")
		}
		return IngestResponse{}, reqErr
	}

	if resp.IngestionOperationID == "" {
		return IngestResponse{}, ingesterrors.ES(ingesterrors.OpQueuedSubmit, ingesterrors.KindIngestSubmit, "queued submit returned no operation id").SetTransient()
	}

	return IngestResponse{IngestionOperationID: resp.IngestionOperationID}, nil
}

func (d *QueuedDriver) uploadLocalSources(ctx context.Context, database, table string, sources []Source, failOnPartialUploadError bool) ([]queuedBlob, *ingesterrors.Error) {
	doc, cfgErr := d.cfg.Get(ctx)
	if cfgErr != nil {
		return nil, cfgErr
	}

	rotation, selErr := containers.Select(containers.Config{
		Containers:            containerPaths(doc.Containers),
		LakeFolders:           containerPaths(doc.LakeFolders),
		PreferredUploadMethod: doc.PreferredUploadMethod,
	}, d.uploadMethod)
	if selErr != nil {
		return nil, selErr
	}

	var opts []upload.Option
	if d.maxConcurrency > 0 {
		opts = append(opts, upload.WithMaxConcurrency(d.maxConcurrency))
	}
	opts = append(opts, upload.WithMaxDataSize(d.maxDataSize), upload.WithIgnoreSizeLimit(d.ignoreSizeLimit))

	uploader := upload.New(rotation, opts...)

	locals := make([]upload.LocalSource, 0, len(sources))
	closers := make([]func(), 0, len(sources))
	for _, s := range sources {
		ls, closeFn, convErr := toLocalSource(s)
		if convErr != nil {
			return nil, convErr
		}
		locals = append(locals, ls)
		if closeFn != nil {
			closers = append(closers, closeFn)
		}
	}
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	result := uploader.UploadBatch(ctx, database, table, locals)

	if len(result.Failures) > 0 && failOnPartialUploadError {
		allPermanent := true
		for _, f := range result.Failures {
			if !f.Err.Permanent() {
				allPermanent = false
			}
		}
		e := ingesterrors.ES(ingesterrors.OpUpload, ingesterrors.KindPartialUpload, "%d of %d source uploads failed", len(result.Failures), len(sources))
		if allPermanent {
			e.SetPermanent()
		} else {
			e.SetTransient()
		}
		return nil, e
	}

	blobs := make([]queuedBlob, 0, len(result.Successes))
	for _, s := range result.Successes {
		size := s.BlobExactSize
		blobs = append(blobs, queuedBlob{URL: s.BlobPath, SourceID: s.SourceID, RawSize: &size})
	}
	return blobs, nil
}

// containerPaths extracts the SAS-URL paths from a config.Document's
// container list, discarding the per-entry kind: containers.Config groups
// by kind via separate Containers/LakeFolders slices rather than a per-path
// tag, so the kind is implicit in which field a path came from.
func containerPaths(infos []config.ContainerInfo) []string {
	if infos == nil {
		return nil
	}
	paths := make([]string, len(infos))
	for i, c := range infos {
		paths[i] = c.Path
	}
	return paths
}

func toLocalSource(s Source) (upload.LocalSource, func(), *ingesterrors.Error) {
	switch v := s.(type) {
	case FileSource:
		f, err := os.Open(v.Path)
		if err != nil {
			return upload.LocalSource{}, nil, ingesterrors.E(ingesterrors.OpSourceValidate, ingesterrors.KindSourceNotFound, err).SetPermanent()
		}
		stat, err := f.Stat()
		size := int64(-1)
		if err == nil {
			size = stat.Size()
		}
		return upload.LocalSource{
			SourceID:    v.sourceID(),
			Format:      string(v.Format),
			Compression: string(v.Compression),
			Reader:      f,
			Size:        size,
			Restartable: func() error {
				_, seekErr := f.Seek(0, 0)
				return seekErr
			},
		}, func() {
			if !v.LeaveOpen {
				f.Close()
			}
		}, nil
	case StreamSource:
		return upload.LocalSource{
			SourceID:    v.sourceID(),
			Format:      string(v.Format),
			Compression: string(v.Compression),
			Reader:      v.Reader,
			Size:        -1,
		}, nil, nil
	default:
		return upload.LocalSource{}, nil, ingesterrors.ES(ingesterrors.OpSourceValidate, ingesterrors.KindIllegalArgument, "unsupported local source type %T", s).SetPermanent()
	}
}

func propsToMap(p IngestRequestProperties) map[string]interface{} {
	m := map[string]interface{}{}
	if p.Format != "" {
		m["format"] = p.Format.CamelCase()
	}
	if p.IngestionMappingReference != "" {
		m["ingestionMappingReference"] = p.IngestionMappingReference
	}
	if p.IngestionMapping != "" {
		m["ingestionMapping"] = p.IngestionMapping
	}
	m["enableTracking"] = p.EnableTracking
	if len(p.AdditionalTags) > 0 {
		m["additionalTags"] = p.AdditionalTags
	}
	if len(p.IngestIfNotExists) > 0 {
		m["ingestIfNotExists"] = p.IngestIfNotExists
	}
	if p.ValidationPolicy != "" {
		m["validationPolicy"] = p.ValidationPolicy
	}
	if len(p.DropByTags) > 0 {
		m["dropByTags"] = p.DropByTags
	}
	if len(p.IngestByTags) > 0 {
		m["ingestByTags"] = p.IngestByTags
	}
	return m
}

type queuedStatusResponse struct {
	Status  StatusSummary `json:"status"`
	Details []struct {
		SourceID       string `json:"sourceId"`
		Status         string `json:"status"`
		StartedAt      string `json:"startedAt"`
		LastUpdateTime string `json:"lastUpdateTime"`
		ErrorCode      string `json:"errorCode"`
		FailureStatus  string `json:"failureStatus"`
		Details        string `json:"details"`
	} `json:"details"`
	StartTime string `json:"startTime"`
}

// GetStatus implements spec.md §4.G's getStatus contract: a details=false
// call is escalated to details=true when the summary shows a failure or
// every detailed blob is already terminal.
func (d *QueuedDriver) GetStatus(ctx context.Context, database, table, operationID string, forceDetails bool) (StatusResponse, *ingesterrors.Error) {
	resp, err := d.getStatus(ctx, database, table, operationID, forceDetails)
	if err != nil {
		return StatusResponse{}, err
	}

	if !forceDetails && (resp.Status.Failed > 0 || resp.AllTerminal()) {
		return d.getStatus(ctx, database, table, operationID, true)
	}
	return resp, nil
}

func (d *QueuedDriver) getStatus(ctx context.Context, database, table, operationID string, details bool) (StatusResponse, *ingesterrors.Error) {
	var raw queuedStatusResponse
	reqErr := d.client.DoJSON(ctx, restclient.Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/v1/rest/ingestion/queued/%s/%s/%s", database, table, operationID),
		Query:  url.Values{"details": []string{strconv.FormatBool(details)}},
		Op:     ingesterrors.OpQueuedStatus,
	}, nil, &raw)
	if reqErr != nil {
		if reqErr.HTTPStatus == http.StatusNotFound {
			reqErr.SetTransient()
		}
		return StatusResponse{}, reqErr
	}

	out := StatusResponse{Status: raw.Status}
	for _, rowDetail := range raw.Details {
		out.Details = append(out.Details, BlobStatus{
			SourceID:      rowDetail.SourceID,
			Status:        StatusCode(rowDetail.Status),
			ErrorCode:     rowDetail.ErrorCode,
			FailureStatus: FailureStatusCode(rowDetail.FailureStatus),
			Details:       rowDetail.Details,
		})
	}
	return out, nil
}

// PollUntilCompletion implements spec.md §4.G's wall-clock-bounded polling
// loop, driving GetStatus(force=true) on pollingInterval ticks until every
// blob reaches a terminal state or timeout elapses.
func (d *QueuedDriver) PollUntilCompletion(ctx context.Context, database, table, operationID string, pollingInterval, timeout time.Duration) (StatusResponse, *ingesterrors.Error) {
	deadline := time.Now().Add(timeout)

	for {
		resp, err := d.GetStatus(ctx, database, table, operationID, true)
		if err != nil {
			return StatusResponse{}, err
		}
		if resp.AllTerminal() {
			return resp, nil
		}
		if time.Now().After(deadline) {
			return StatusResponse{}, ingesterrors.ES(ingesterrors.OpQueuedPoll, ingesterrors.KindTimeout, "pollUntilCompletion timed out after %s", timeout).SetTransient()
		}

		if err := sleepCancellable(ctx, pollingInterval); err != nil {
			return StatusResponse{}, ingesterrors.E(ingesterrors.OpQueuedPoll, ingesterrors.KindNetwork, err).SetTransient()
		}
	}
}

func sleepCancellable(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
