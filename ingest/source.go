// Package ingest is the client's public surface: the source model (§4.K),
// the queued (§4.G) and streaming (§4.H) drivers, and the managed-streaming
// dispatcher (§4.J) that picks between them. It mirrors the shape of the
// teacher's flat kusto/ingest package, which houses Ingestion, Streaming
// and Managed side by side instead of splitting them into sub-packages.
package ingest

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/Azure/kusto-ingest-client/ingesterrors"
)

// DataFormat is the closed set of formats a source may carry, per
// spec.md §3.
type DataFormat string

const (
	FormatCSV        DataFormat = "csv"
	FormatJSON       DataFormat = "json"
	FormatMultiJSON  DataFormat = "multijson"
	FormatAvro       DataFormat = "avro"
	FormatApacheAvro DataFormat = "apacheavro"
	FormatParquet    DataFormat = "parquet"
	FormatORC        DataFormat = "orc"
	FormatTSV        DataFormat = "tsv"
	FormatSCSV       DataFormat = "scsv"
	FormatSOHsv      DataFormat = "sohsv"
	FormatPSV        DataFormat = "psv"
	FormatRaw        DataFormat = "raw"
	FormatTXT        DataFormat = "txt"
	FormatSStream    DataFormat = "sstream"
	FormatW3CLogFile DataFormat = "w3clogfile"
)

var binaryFormats = map[DataFormat]bool{
	FormatAvro:       true,
	FormatApacheAvro: true,
	FormatParquet:    true,
	FormatORC:        true,
}

// IsBinary reports whether f is never re-compressed, per spec.md §4.K.
func (f DataFormat) IsBinary() bool { return binaryFormats[f] }

// CamelCase returns the format name the REST surface expects in
// streamFormat and similar query parameters.
func (f DataFormat) CamelCase() string {
	switch f {
	case FormatMultiJSON:
		return "MultiJson"
	case FormatApacheAvro:
		return "ApacheAvro"
	case FormatW3CLogFile:
		return "W3CLogFile"
	default:
		s := string(f)
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + s[1:]
	}
}

var extensionFormats = map[string]DataFormat{
	".csv":     FormatCSV,
	".json":    FormatJSON,
	".avro":    FormatAvro,
	".parquet": FormatParquet,
	".orc":     FormatORC,
	".tsv":     FormatTSV,
	".txt":     FormatTXT,
}

// CompressionType is the closed set of compression tags a source may carry.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGZIP CompressionType = "gzip"
	CompressionZIP  CompressionType = "zip"
)

// DetectCompressionFromPath implements spec.md §4.K's FileSource rule:
// ".gz"/".gzip" -> GZIP, ".zip" -> ZIP, else NONE.
func DetectCompressionFromPath(path string) CompressionType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".gzip":
		return CompressionGZIP
	case ".zip":
		return CompressionZIP
	default:
		return CompressionNone
	}
}

// DetectFormatFromPath best-effort maps a file extension to a DataFormat,
// falling back to FormatCSV the way the teacher's
// queued.CompleteFormatFromFileName does.
func DetectFormatFromPath(path string) DataFormat {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".gz" || ext == ".zip" {
		ext = strings.ToLower(filepath.Ext(strings.TrimSuffix(path, filepath.Ext(path))))
	}
	if f, ok := extensionFormats[ext]; ok {
		return f
	}
	return FormatCSV
}

// Source is the polymorphic ingestion source of spec.md §3: exactly one of
// BlobSource, FileSource or StreamSource.
type Source interface {
	sourceID() string
	isSource()
}

type base struct {
	id string
}

func newBase() base { return base{id: uuid.New().String()} }

func (b base) sourceID() string { return b.id }

// BlobSource references data already staged in blob storage.
type BlobSource struct {
	base
	URL string
}

func (BlobSource) isSource() {}

// NewBlobSource builds a BlobSource with a fresh source id.
func NewBlobSource(url string) BlobSource {
	return BlobSource{base: newBase(), URL: url}
}

// SourceID returns the source's opaque, immutable identifier.
func (b BlobSource) SourceID() string { return b.sourceID() }

// FileSource references a local file.
type FileSource struct {
	base
	Path        string
	Format      DataFormat
	Compression CompressionType
	LeaveOpen   bool
}

func (FileSource) isSource() {}

// NewFileSource builds a FileSource, auto-detecting format and compression
// from the file extension when they're left zero-valued.
func NewFileSource(path string, format DataFormat, compression CompressionType) FileSource {
	if format == "" {
		format = DetectFormatFromPath(path)
	}
	if compression == "" {
		compression = DetectCompressionFromPath(path)
	}
	return FileSource{base: newBase(), Path: path, Format: format, Compression: compression}
}

// SourceID returns the source's opaque, immutable identifier.
func (f FileSource) SourceID() string { return f.sourceID() }

// StreamSource references an in-memory or piped reader.
type StreamSource struct {
	base
	Reader      io.Reader
	Format      DataFormat
	Compression CompressionType
	LeaveOpen   bool
}

func (StreamSource) isSource() {}

// NewStreamSource builds a StreamSource.
func NewStreamSource(r io.Reader, format DataFormat, compression CompressionType) StreamSource {
	return StreamSource{base: newBase(), Reader: r, Format: format, Compression: compression}
}

// SourceID returns the source's opaque, immutable identifier.
func (s StreamSource) SourceID() string { return s.sourceID() }

// ShouldCompress implements spec.md §4.K: compress only when the source
// declares no compression of its own and its format isn't binary.
func ShouldCompress(compression CompressionType, format DataFormat) bool {
	return (compression == "" || compression == CompressionNone) && !format.IsBinary()
}

// IngestRequestProperties carries the per-request configuration of
// spec.md §3. Format, when set, must agree with the source's own format;
// IngestionMappingReference and IngestionMapping are mutually exclusive.
type IngestRequestProperties struct {
	Format                    DataFormat
	IngestionMappingReference string
	IngestionMapping          string
	EnableTracking            bool
	AdditionalTags            []string
	IngestIfNotExists         []string
	ValidationPolicy          string
	DropByTags                []string
	IngestByTags              []string
}

// Validate checks the mutual-exclusion and agreement invariants of §3.
func (p IngestRequestProperties) Validate(sourceFormat DataFormat) *ingesterrors.Error {
	if p.IngestionMappingReference != "" && p.IngestionMapping != "" {
		return ingesterrors.ES(ingesterrors.OpSourceValidate, ingesterrors.KindIllegalArgument, "ingestionMappingReference and ingestionMapping are mutually exclusive").SetPermanent()
	}
	if p.Format != "" && sourceFormat != "" && p.Format != sourceFormat {
		return ingesterrors.ES(ingesterrors.OpSourceValidate, ingesterrors.KindIllegalArgument, "properties format %q disagrees with source format %q", p.Format, sourceFormat).SetPermanent()
	}
	return nil
}

// EffectiveFormat returns the format to use for the request: the
// properties' format if set, else the source's own.
func (p IngestRequestProperties) EffectiveFormat(sourceFormat DataFormat) DataFormat {
	if p.Format != "" {
		return p.Format
	}
	return sourceFormat
}

func sourceFormat(s Source) (DataFormat, error) {
	switch v := s.(type) {
	case BlobSource:
		return "", nil
	case FileSource:
		return v.Format, nil
	case StreamSource:
		return v.Format, nil
	default:
		return "", fmt.Errorf("unknown source type %T", s)
	}
}
