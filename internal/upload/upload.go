// Package upload implements component F, the blob upload container:
// bounded-parallelism fan-out of local sources to selected containers,
// with compression, a size gate, and per-source retry against the next
// healthiest container. The upload plumbing itself (header pooling aside)
// is grounded on the teacher's kusto/ingest/internal/queued.Ingestion,
// generalized from "upload one file, enqueue one message" to "upload a
// batch, return successes and failures for the caller to submit".
package upload

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/google/uuid"

	"github.com/Azure/kusto-ingest-client/ingesterrors"
	"github.com/Azure/kusto-ingest-client/internal/containers"
	"github.com/Azure/kusto-ingest-client/internal/gzip"
)

const defaultMaxConcurrency = 8
const defaultMaxRetries = 3

// binaryFormats are never re-compressed, matching spec.md §3's IngestionSource
// invariant for avro/apacheavro/parquet/orc.
var binaryFormats = map[string]bool{
	"avro":       true,
	"apacheavro": true,
	"parquet":    true,
	"orc":        true,
}

// LocalSource is the minimal shape internal/upload needs from a caller's
// source value; the root ingest package adapts its own Source types into
// this to keep upload source-type-agnostic.
type LocalSource struct {
	SourceID    string
	Format      string
	Compression string // "", "none", "gzip", "zip"
	Reader      io.Reader
	// Size is the source's byte size if known, or -1 if it can't be
	// determined up front (e.g. an arbitrary io.Reader).
	Size int64
	// Restartable sources support Seek(0, io.SeekStart) to reset before a
	// retry; non-restartable sources fail terminally on first error.
	Restartable func() error
}

// BlobSourceInfo is the result of successfully uploading a LocalSource.
type BlobSourceInfo struct {
	BlobPath      string
	SourceID      string
	BlobExactSize int64
}

// UploadFailure pairs a failed LocalSource with why it failed.
type UploadFailure struct {
	SourceID string
	Err      *ingesterrors.Error
}

// BatchResult is the outcome of UploadBatch: failures are recorded, never
// thrown, so one bad source doesn't abort the rest of the batch.
type BatchResult struct {
	Successes []BlobSourceInfo
	Failures  []UploadFailure
}

// blobUploader performs the actual network upload; overridable in tests the
// same way the teacher's queued.Ingestion injects uploadStream/uploadBlob.
type blobUploader func(ctx context.Context, destURL string, body io.Reader) *ingesterrors.Error

// Uploader drives UploadBatch against a container Rotation.
type Uploader struct {
	rotation        *containers.Rotation
	maxConcurrency  int
	maxDataSize     int64
	ignoreSizeLimit bool
	maxRetries      int
	upload          blobUploader
	ranks           *rankedContainerSet
	namePrefix      func() string
}

// Option configures an Uploader at construction.
type Option func(*Uploader)

// WithMaxConcurrency bounds how many sources upload at once. Must be > 0.
func WithMaxConcurrency(n int) Option {
	return func(u *Uploader) {
		if n > 0 {
			u.maxConcurrency = n
		}
	}
}

// WithMaxDataSize sets the size gate; sources larger than this (when their
// size is known) fail with a permanent PayloadTooLarge error unless
// ignoreSizeLimit is set.
func WithMaxDataSize(n int64) Option {
	return func(u *Uploader) { u.maxDataSize = n }
}

// WithIgnoreSizeLimit disables the size gate entirely.
func WithIgnoreSizeLimit(ignore bool) Option {
	return func(u *Uploader) { u.ignoreSizeLimit = ignore }
}

// WithMaxRetries sets how many containers a single source's upload will try
// before it's recorded as a failure.
func WithMaxRetries(n int) Option {
	return func(u *Uploader) {
		if n > 0 {
			u.maxRetries = n
		}
	}
}

// withBlobUploader overrides the network call; test-only.
func withBlobUploader(f blobUploader) Option {
	return func(u *Uploader) { u.upload = f }
}

// New builds an Uploader that fans uploads out across rotation's
// containers.
func New(rotation *containers.Rotation, opts ...Option) *Uploader {
	u := &Uploader{
		rotation:       rotation,
		maxConcurrency: defaultMaxConcurrency,
		maxDataSize:    4 * 1024 * 1024 * 1024,
		maxRetries:     defaultMaxRetries,
		ranks:          newRankedContainerSet(realSeconds),
		namePrefix:     func() string { return uuid.New().String() },
	}
	u.upload = u.uploadToBlockBlob

	for _, c := range rotation.All() {
		u.ranks.register(c.Path)
	}

	for _, opt := range opts {
		opt(u)
	}
	return u
}

// UploadBatch uploads every local source to a container, naming blobs
// deterministically as "{database or table or blob}_{sourceId}_{timestamp}
// .{format}[.gz]" within the container namespace.
func (u *Uploader) UploadBatch(ctx context.Context, database, table string, locals []LocalSource) BatchResult {
	namePart := database
	if namePart == "" {
		namePart = table
	}
	if namePart == "" {
		namePart = "blob"
	}

	result := BatchResult{}
	var mu sync.Mutex
	sem := make(chan struct{}, u.maxConcurrency)
	var wg sync.WaitGroup

	for _, src := range locals {
		src := src
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			info, failure := u.uploadOne(ctx, namePart, src)
			mu.Lock()
			if failure != nil {
				result.Failures = append(result.Failures, *failure)
			} else {
				result.Successes = append(result.Successes, *info)
			}
			mu.Unlock()
		}()
	}

	wg.Wait()
	return result
}

func (u *Uploader) uploadOne(ctx context.Context, namePart string, src LocalSource) (*BlobSourceInfo, *UploadFailure) {
	if src.Size >= 0 && src.Size > u.maxDataSize && !u.ignoreSizeLimit {
		return nil, &UploadFailure{
			SourceID: src.SourceID,
			Err:      ingesterrors.ES(ingesterrors.OpUpload, ingesterrors.KindPayloadTooLarge, "source %s exceeds max data size", src.SourceID).SetPermanent(),
		}
	}

	compress := shouldCompress(src)
	blobName := blobName(namePart, src.SourceID, src.Format, compress)

	excluded := make(map[string]bool)
	var lastErr *ingesterrors.Error

	for attempt := 1; attempt <= u.maxRetries; attempt++ {
		if attempt > 1 {
			if src.Restartable == nil {
				break
			}
			if err := src.Restartable(); err != nil {
				lastErr = ingesterrors.E(ingesterrors.OpUpload, ingesterrors.KindSourceNotReadable, err).SetPermanent()
				break
			}
		}

		containerPath := u.pickContainer(excluded)
		excluded[containerPath] = true

		destURL, buildErr := blobURL(containerPath, blobName)
		if buildErr != nil {
			lastErr = ingesterrors.E(ingesterrors.OpUpload, ingesterrors.KindIllegalArgument, buildErr).SetPermanent()
			continue
		}

		body := src.Reader
		var counter *gzip.Streamer
		if compress {
			counter = gzip.Compress(body)
			body = counter
		}

		uploadErr := u.upload(ctx, destURL, body)
		u.ranks.recordResult(containerPath, uploadErr == nil)

		if uploadErr == nil {
			size := src.Size
			if counter != nil {
				size = counter.InputSize()
			}
			return &BlobSourceInfo{BlobPath: destURL, SourceID: src.SourceID, BlobExactSize: size}, nil
		}

		lastErr = uploadErr
		if uploadErr.Permanent() {
			break
		}
	}

	return nil, &UploadFailure{SourceID: src.SourceID, Err: lastErr}
}

// pickContainer takes a source's first attempt from the round-robin
// rotation; on a retry it prefers the healthiest non-excluded container,
// falling back to the rotation when every ranked candidate has already been
// tried for this source.
func (u *Uploader) pickContainer(excluded map[string]bool) string {
	if len(excluded) == 0 {
		return u.rotation.Next().Path
	}
	for _, path := range u.ranks.rankedShuffled() {
		if !excluded[path] {
			return path
		}
	}
	return u.rotation.Next().Path
}

func shouldCompress(src LocalSource) bool {
	if binaryFormats[strings.ToLower(src.Format)] {
		return false
	}
	c := strings.ToLower(src.Compression)
	return c == "" || c == "none"
}

func blobName(namePart, sourceID, format string, compressed bool) string {
	name := fmt.Sprintf("%s_%s_%d.%s", namePart, sourceID, time.Now().UnixNano(), format)
	if compressed {
		name += ".gz"
	}
	return name
}

func blobURL(containerSASURL, blobName string) (string, error) {
	u, err := url.Parse(containerSASURL)
	if err != nil {
		return "", fmt.Errorf("invalid container URL %q: %w", containerSASURL, err)
	}
	u.Path = path.Join(u.Path, blobName)
	return u.String(), nil
}

func (u *Uploader) uploadToBlockBlob(ctx context.Context, destURL string, body io.Reader) *ingesterrors.Error {
	client, err := blockblob.NewClientWithNoCredential(destURL, nil)
	if err != nil {
		return ingesterrors.E(ingesterrors.OpUpload, ingesterrors.KindIllegalArgument, err).SetPermanent()
	}

	rc, ok := body.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(body)
	}

	_, err = client.UploadStream(ctx, rc, nil)
	if err != nil {
		return ingesterrors.E(ingesterrors.OpUpload, ingesterrors.KindNetwork, err).SetTransient()
	}
	return nil
}
