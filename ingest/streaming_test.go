package ingest

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamingSubmitBlobSourceSendsURIEnvelope(t *testing.T) {
	var gotSourceKind, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSourceKind = r.Header.Get("x-ms-source-kind")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		assert.Equal(t, "/v1/rest/ingest/db/table", r.URL.Path)
		assert.Equal(t, "CSV", r.URL.Query().Get("streamFormat"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	driver := NewStreamingDriver(client)

	blob := NewBlobSource("https://acct.blob.core.windows.net/c1/blob1")
	err := driver.Submit(context.Background(), "db", "table", blob, FormatCSV, IngestRequestProperties{})
	require.Nil(t, err)
	assert.Equal(t, "uri", gotSourceKind)
	assert.Equal(t, "application/json", gotContentType)
	assert.Contains(t, string(gotBody), "https://acct.blob.core.windows.net/c1/blob1")
}

func TestStreamingSubmitLocalSourceCompressesNonBinary(t *testing.T) {
	var gotEncoding string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	driver := NewStreamingDriver(client)

	stream := NewStreamSource(bytes.NewBufferString("a,b,c"), FormatCSV, CompressionNone)
	err := driver.Submit(context.Background(), "db", "table", stream, FormatCSV, IngestRequestProperties{})
	require.Nil(t, err)
	assert.Equal(t, "gzip", gotEncoding)

	gz, gzErr := gzip.NewReader(bytes.NewReader(gotBody))
	require.NoError(t, gzErr)
	decompressed, readErr := io.ReadAll(gz)
	require.NoError(t, readErr)
	assert.Equal(t, "a,b,c", string(decompressed))
}

func TestStreamingSubmitNeverCompressesBinaryFormat(t *testing.T) {
	var gotEncoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	driver := NewStreamingDriver(client)

	stream := NewStreamSource(bytes.NewBufferString("binarydata"), FormatParquet, CompressionNone)
	err := driver.Submit(context.Background(), "db", "table", stream, FormatParquet, IngestRequestProperties{})
	require.Nil(t, err)
	assert.Empty(t, gotEncoding)
}

func TestStreamingSubmitClassifiesKnownFailureSubstring(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"StreamingIngestionPolicyNotEnabled on table"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	driver := NewStreamingDriver(client)

	stream := NewStreamSource(bytes.NewBufferString("a"), FormatCSV, CompressionNone)
	err := driver.Submit(context.Background(), "db", "table", stream, FormatCSV, IngestRequestProperties{})
	require.NotNil(t, err)
	assert.True(t, err.Permanent())
	assert.Equal(t, "StreamingIngestionPolicyNotEnabled", err.FailureSubCode)
}

func TestStreamingSubmitThrottledIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	driver := NewStreamingDriver(client)

	stream := NewStreamSource(bytes.NewBufferString("a"), FormatCSV, CompressionNone)
	err := driver.Submit(context.Background(), "db", "table", stream, FormatCSV, IngestRequestProperties{})
	require.NotNil(t, err)
	assert.False(t, err.Permanent())
}

func TestStreamingGetStatusUnsupported(t *testing.T) {
	driver := NewStreamingDriver(nil)
	_, err := driver.GetStatus(context.Background(), "db", "table", "op-1")
	require.NotNil(t, err)
	assert.True(t, err.Permanent())
}
