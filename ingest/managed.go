package ingest

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Azure/kusto-ingest-client/ingesterrors"
	"github.com/Azure/kusto-ingest-client/internal/retry"
)

// ErrorCategory classifies why a streaming attempt failed, driving the
// managed-streaming dispatcher's per-(database,table) backoff decision, per
// spec.md §4.J.
type ErrorCategory int

const (
	categoryNone ErrorCategory = iota
	CategoryThrottled
	CategoryStreamingIngestionOff
	CategoryTableConfigurationPreventsStreaming
	CategoryRequestPropertiesPreventStreaming
	CategoryOtherErrors
	CategoryUnknownErrors
)

// streamingMaxReqBodySize is STREAMING_MAX_REQ_BODY_SIZE from spec.md §4.J.
const streamingMaxReqBodySize = 4 * 1024 * 1024

// ManagedStreamingPolicy configures the dispatcher's retry schedule,
// fallback behavior, and backoff durations.
type ManagedStreamingPolicy struct {
	// ContinueWhenStreamingIngestionUnavailable makes a StreamingIngestionOff
	// failure fall back to queued ingestion instead of propagating the error.
	// TableConfigurationPreventsStreaming failures fall back regardless of
	// this flag.
	ContinueWhenStreamingIngestionUnavailable bool
	RetryPolicy                               retry.Policy
	// DataSizeFactor scales streamingMaxReqBodySize when deciding whether a
	// local source is small enough to attempt streaming at all.
	DataSizeFactor float64
	// ThrottleBackoffPeriod arms the per-table backoff after repeated
	// throttling exhausts the retry schedule.
	ThrottleBackoffPeriod time.Duration
	// TimeUntilResumingStreamingIngest arms the per-table backoff after a
	// configuration-class failure (streaming disabled, incompatible table
	// policy).
	TimeUntilResumingStreamingIngest time.Duration
}

// DefaultManagedStreamingPolicy matches the defaults named in spec.md §4.J:
// three attempts at 1s/2s/4s plus jitter, a 10s throttle backoff and a
// 15-minute configuration backoff.
func DefaultManagedStreamingPolicy() ManagedStreamingPolicy {
	return ManagedStreamingPolicy{
		ContinueWhenStreamingIngestionUnavailable: true,
		RetryPolicy: retry.JitteredCustomRetryPolicy([]time.Duration{time.Second, 2 * time.Second, 4 * time.Second}),
		DataSizeFactor: 1.0,
		ThrottleBackoffPeriod: 10 * time.Second,
		TimeUntilResumingStreamingIngest: 15 * time.Minute,
	}
}

type backoffKey struct {
	database string
	table    string
}

type backoffEntry struct {
	deadline time.Time
	cause    ErrorCategory
}

// Dispatcher is component J: it decides, per request, whether to attempt
// streaming ingestion or go straight to queued ingestion, classifying
// streaming failures to maintain a per-(database,table) backoff.
type Dispatcher struct {
	streaming *StreamingDriver
	queued    *QueuedDriver
	policy    ManagedStreamingPolicy

	mu      sync.Mutex
	backoff map[backoffKey]backoffEntry
}

// NewDispatcher builds a Dispatcher over the two inner drivers.
func NewDispatcher(streaming *StreamingDriver, queued *QueuedDriver, policy ManagedStreamingPolicy) *Dispatcher {
	if policy.RetryPolicy == nil {
		policy = DefaultManagedStreamingPolicy()
	}
	return &Dispatcher{
		streaming: streaming,
		queued:    queued,
		policy:    policy,
		backoff:   make(map[backoffKey]backoffEntry),
	}
}

// Ingest implements the §4.J decision tree.
func (d *Dispatcher) Ingest(ctx context.Context, source Source, database, table string, props IngestRequestProperties) (IngestionOperation, *ingesterrors.Error) {
	switch source.(type) {
	case BlobSource, FileSource, StreamSource:
	default:
		return IngestionOperation{}, ingesterrors.ES(ingesterrors.OpManagedDispatch, ingesterrors.KindIllegalArgument, "unsupported source type").SetPermanent()
	}

	key := backoffKey{database: database, table: table}

	mustStreamAnyway := false
	d.mu.Lock()
	entry, ok := d.backoff[key]
	if ok {
		if time.Now().After(entry.deadline) {
			delete(d.backoff, key)
			ok = false
		}
	}
	d.mu.Unlock()

	if ok {
		if entry.cause == CategoryStreamingIngestionOff && !d.policy.ContinueWhenStreamingIngestionUnavailable {
			mustStreamAnyway = true
		} else {
			return d.ingestQueued(ctx, source, database, table, props)
		}
	}

	isLocal := false
	switch source.(type) {
	case FileSource, StreamSource:
		isLocal = true
	}

	if !mustStreamAnyway && isLocal {
		if size := availableBytes(source); size >= 0 && float64(size) > float64(streamingMaxReqBodySize)*effectiveFactor(d.policy.DataSizeFactor) {
			return d.ingestQueued(ctx, source, database, table, props)
		}
	}

	return d.ingestStreamingThenFallback(ctx, source, database, table, props, key)
}

func effectiveFactor(f float64) float64 {
	if f <= 0 {
		return 1.0
	}
	return f
}

func (d *Dispatcher) ingestQueued(ctx context.Context, source Source, database, table string, props IngestRequestProperties) (IngestionOperation, *ingesterrors.Error) {
	resp, err := d.queued.Submit(ctx, database, table, []Source{source}, props, true)
	if err != nil {
		return IngestionOperation{}, err
	}
	return IngestionOperation{Database: database, Table: table, Kind: KindQueued, OperationID: resp.IngestionOperationID}, nil
}

func (d *Dispatcher) ingestStreamingThenFallback(ctx context.Context, source Source, database, table string, props IngestRequestProperties, key backoffKey) (IngestionOperation, *ingesterrors.Error) {
	format := props.EffectiveFormat(localFormat(source))
	var lastCategory ErrorCategory
	succeeded := false

	classify := func(attempt int, err *ingesterrors.Error) retry.Decision {
		cat, decision := d.decideOnException(err)
		lastCategory = cat
		switch cat {
		case CategoryStreamingIngestionOff, CategoryTableConfigurationPreventsStreaming:
			d.armBackoff(key, cat)
		}
		return decision
	}

	onRetry := func(attempt int, err *ingesterrors.Error) {
		resetSource(source)
	}

	action := func(ctx context.Context, attempt int) (interface{}, *ingesterrors.Error) {
		submitErr := d.streaming.Submit(ctx, database, table, source, format, props)
		if submitErr == nil {
			succeeded = true
		}
		return nil, submitErr
	}

	_, err, broke := retry.Run(ctx, d.policy.RetryPolicy, action, classify, onRetry, false)

	if err != nil {
		return IngestionOperation{}, err
	}

	if succeeded {
		return IngestionOperation{Database: database, Table: table, Kind: KindStreaming, OperationID: newCorrelationID()}, nil
	}

	// Either Break was returned for a configuration-class failure, or the
	// retry schedule was exhausted under repeated transient failures; both
	// fall back to queued ingestion.
	if !broke && lastCategory == CategoryThrottled {
		d.armBackoff(key, CategoryThrottled)
	}

	return d.ingestQueued(ctx, source, database, table, props)
}

// decideOnException implements spec.md §4.J's decideOnException table.
func (d *Dispatcher) decideOnException(err *ingesterrors.Error) (ErrorCategory, retry.Decision) {
	if !err.Permanent() {
		if err.HTTPStatus == 429 || strings.Contains(err.Error(), "Throttled") {
			return CategoryThrottled, retry.Continue
		}
		return CategoryOtherErrors, retry.Continue
	}

	msg := strings.ToLower(err.Error() + " " + err.Body + " " + err.FailureSubCode)

	switch {
	case err.FailureSubCode == "StreamingIngestionPolicyNotEnabled",
		err.FailureSubCode == "StreamingIngestionDisabledForCluster",
		strings.Contains(msg, "streaming") && (strings.Contains(msg, "disabled") || strings.Contains(msg, "not enabled") || strings.Contains(msg, "off")):
		if d.policy.ContinueWhenStreamingIngestionUnavailable {
			return CategoryStreamingIngestionOff, retry.Break
		}
		return CategoryStreamingIngestionOff, retry.Throw

	case err.FailureSubCode == "UpdatePolicyIncompatible",
		err.FailureSubCode == "QuerySchemaDoesNotMatchTableSchema",
		strings.Contains(msg, "update policy"), strings.Contains(msg, "schema"), strings.Contains(msg, "incompatible"):
		return CategoryTableConfigurationPreventsStreaming, retry.Break

	case err.HTTPStatus == 413,
		err.FailureSubCode == "FileTooLarge",
		err.FailureSubCode == "InputStreamTooLarge",
		err.FailureSubCode == "KustoRequestPayloadTooLargeException",
		strings.Contains(msg, "too large"), strings.Contains(msg, "exceeds"), strings.Contains(msg, "maximum allowed size"):
		return CategoryRequestPropertiesPreventStreaming, retry.Break

	default:
		return CategoryUnknownErrors, retry.Throw
	}
}

func (d *Dispatcher) armBackoff(key backoffKey, cat ErrorCategory) {
	var dur time.Duration
	switch cat {
	case CategoryThrottled:
		dur = d.policy.ThrottleBackoffPeriod
	case CategoryStreamingIngestionOff, CategoryTableConfigurationPreventsStreaming:
		dur = d.policy.TimeUntilResumingStreamingIngest
	default:
		return
	}
	d.mu.Lock()
	d.backoff[key] = backoffEntry{deadline: time.Now().Add(dur), cause: cat}
	d.mu.Unlock()
}

func availableBytes(s Source) int64 {
	switch v := s.(type) {
	case FileSource:
		stat, err := os.Stat(v.Path)
		if err != nil {
			return -1
		}
		return stat.Size()
	case StreamSource:
		if sized, ok := v.Reader.(interface{ Len() int }); ok {
			return int64(sized.Len())
		}
		return -1
	default:
		return -1
	}
}

func localFormat(s Source) DataFormat {
	switch v := s.(type) {
	case FileSource:
		return v.Format
	case StreamSource:
		return v.Format
	default:
		return ""
	}
}

func resetSource(s Source) {
	if ss, ok := s.(StreamSource); ok {
		if seeker, ok := ss.Reader.(io.Seeker); ok {
			_, _ = seeker.Seek(0, io.SeekStart)
		}
	}
	// FileSource needs no reset: StreamingDriver.Submit reopens the file
	// from its path on every attempt.
}

func newCorrelationID() string {
	return uuid.New().String()
}
