package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/Azure/kusto-ingest-client/ingesterrors"
	"github.com/Azure/kusto-ingest-client/internal/gzip"
	"github.com/Azure/kusto-ingest-client/internal/restclient"
)

// StreamingDriver is component H: a fire-and-forget POST of raw bytes or a
// blob-URI reference to the engine's streaming ingest endpoint. It never
// yields a pollable operation id; GetStatus/GetDetails exist only to report
// Unsupported so callers get a clear error instead of a silent no-op.
type StreamingDriver struct {
	client *restclient.Client
}

// NewStreamingDriver builds a StreamingDriver against the query engine
// endpoint client.
func NewStreamingDriver(client *restclient.Client) *StreamingDriver {
	return &StreamingDriver{client: client}
}

type streamingSourceURI struct {
	SourceURI string `json:"SourceUri"`
}

// knownStreamingSubstrings maps a body substring to the structured
// sub-code the managed-streaming dispatcher classifies on, per spec.md
// §4.H/§4.J.
var knownStreamingSubstrings = []string{
	"StreamingIngestionPolicyNotEnabled",
	"StreamingIngestionDisabledForCluster",
	"UpdatePolicyIncompatible",
	"QuerySchemaDoesNotMatchTableSchema",
	"FileTooLarge",
	"InputStreamTooLarge",
	"KustoRequestPayloadTooLargeException",
}

// Submit implements the §4.H submit contract. For a BlobSource the request
// body is a JSON source-URI envelope; for local sources it's the raw
// (optionally gzipped) bytes.
func (d *StreamingDriver) Submit(ctx context.Context, database, table string, source Source, format DataFormat, props IngestRequestProperties) *ingesterrors.Error {
	query := url.Values{"streamFormat": []string{format.CamelCase()}}
	if props.IngestionMappingReference != "" {
		query.Set("mappingName", props.IngestionMappingReference)
	}

	req := restclient.Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/v1/rest/ingest/%s/%s", database, table),
		Query:  query,
		Op:     ingesterrors.OpStreamingSubmit,
	}

	switch v := source.(type) {
	case BlobSource:
		b, err := json.Marshal(streamingSourceURI{SourceURI: v.URL})
		if err != nil {
			return ingesterrors.E(ingesterrors.OpStreamingSubmit, ingesterrors.KindIllegalArgument, err).SetPermanent()
		}
		req.Body = bytes.NewReader(b)
		req.ContentType = "application/json"
		req.ExtraHeaders = map[string]string{"x-ms-source-kind": "uri"}
	default:
		body, compressed, closeFn, convErr := streamingBody(source, format)
		if convErr != nil {
			return convErr
		}
		if closeFn != nil {
			defer closeFn()
		}
		req.Body = body
		req.ContentType = "application/octet-stream"
		if compressed {
			req.ContentEncoding = "gzip"
		}
	}

	resp, doErr := d.client.Do(ctx, req)
	if doErr != nil {
		return classifyStreamingError(doErr)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

func streamingBody(s Source, format DataFormat) (io.Reader, bool, func(), *ingesterrors.Error) {
	var r io.Reader
	var compression CompressionType
	var closeFn func()

	switch v := s.(type) {
	case FileSource:
		f, err := os.Open(v.Path)
		if err != nil {
			return nil, false, nil, ingesterrors.E(ingesterrors.OpSourceValidate, ingesterrors.KindSourceNotFound, err).SetPermanent()
		}
		r = f
		compression = v.Compression
		closeFn = func() {
			if !v.LeaveOpen {
				f.Close()
			}
		}
	case StreamSource:
		r = v.Reader
		compression = v.Compression
	default:
		return nil, false, nil, ingesterrors.ES(ingesterrors.OpSourceValidate, ingesterrors.KindIllegalArgument, "unsupported local source type %T", s).SetPermanent()
	}

	if ShouldCompress(compression, format) {
		return gzip.Compress(r), true, closeFn, nil
	}
	return r, false, closeFn, nil
}

// classifyStreamingError sets the restclient-translated error's
// FailureSubCode by scanning the response body for the known streaming
// failure substrings, leaving its Kind and the 413/429/network permanence
// decisions restclient already made untouched.
func classifyStreamingError(e *ingesterrors.Error) *ingesterrors.Error {
	for _, sub := range knownStreamingSubstrings {
		if strings.Contains(e.Body, sub) {
			e.FailureSubCode = sub
			break
		}
	}
	return e
}

// GetStatus always reports Unsupported: streaming ingestion is
// fire-and-forget and has no server-side operation to poll.
func (d *StreamingDriver) GetStatus(ctx context.Context, database, table, operationID string) (StatusResponse, *ingesterrors.Error) {
	return StatusResponse{}, ingesterrors.ES(ingesterrors.OpStreamingStatus, ingesterrors.KindUnsupported, "streaming ingestion does not support status polling").SetPermanent()
}

// GetDetails always reports Unsupported, for the same reason as GetStatus.
func (d *StreamingDriver) GetDetails(ctx context.Context, database, table, operationID string) ([]BlobStatus, *ingesterrors.Error) {
	return nil, ingesterrors.ES(ingesterrors.OpStreamingStatus, ingesterrors.KindUnsupported, "streaming ingestion does not support status polling").SetPermanent()
}
