// Package containers implements the round-robin container/folder selector
// described as component E. It turns a just-fetched config.Document's raw
// URI lists into a rotation every uploader in internal/upload pulls its
// next destination from. The counter belongs to one Rotation: every Select
// call builds a fresh Rotation that starts at the first container, so the
// counter is not shared across separate Select calls or across the
// configuration cache's lifetime.
package containers

import (
	"strings"
	"sync/atomic"

	"github.com/Azure/kusto-ingest-client/ingesterrors"
)

// Kind is the storage backend a container or folder URI belongs to.
type Kind int

const (
	KindStorage Kind = iota
	KindLake
)

// Method is the upload method a caller requests; DEFAULT defers to the
// service's preferredUploadMethod.
type Method int

const (
	MethodDefault Method = iota
	MethodStorage
	MethodLake
)

// Container is one destination a blob can be uploaded to.
type Container struct {
	Path string // SAS URL
	Kind Kind
}

// Config is the subset of config.Document the selector consumes; kept
// separate from config.Document so this package doesn't import config for
// one struct shape.
type Config struct {
	Containers            []string
	LakeFolders           []string
	PreferredUploadMethod string
}

// Rotation hands out containers of a single kind in round-robin order. Its
// counter is shared by every caller of Next, so concurrent uploaders spread
// load evenly instead of each starting from index zero.
type Rotation struct {
	containers []Container
	counter    uint64
}

// Next returns the next container in rotation. Safe for concurrent use.
func (r *Rotation) Next() Container {
	i := atomic.AddUint64(&r.counter, 1) - 1
	return r.containers[i%uint64(len(r.containers))]
}

// Len reports how many containers participate in the rotation.
func (r *Rotation) Len() int { return len(r.containers) }

// All returns a copy of every container backing the rotation, in the order
// they were registered — used by internal/upload to build its
// retry-exclusion ranking.
func (r *Rotation) All() []Container {
	out := make([]Container, len(r.containers))
	copy(out, r.containers)
	return out
}

// Select builds a Rotation for cfg per spec.md §4.E:
//   - neither containers nor lake folders exist: NoContainers (permanent).
//   - only one kind exists: its rotation, regardless of requested method.
//   - both exist and method is Default: preferredUploadMethod decides,
//     case-insensitively matching "Lake"; anything else means Storage.
//   - both exist and method is explicit: honor it.
func Select(cfg Config, method Method) (*Rotation, *ingesterrors.Error) {
	hasStorage := len(cfg.Containers) > 0
	hasLake := len(cfg.LakeFolders) > 0

	if !hasStorage && !hasLake {
		return nil, ingesterrors.ES(ingesterrors.OpContainerSelect, ingesterrors.KindServiceOff, "no containers or lake folders available").SetPermanent()
	}
	if hasStorage && !hasLake {
		return newRotation(cfg.Containers, KindStorage), nil
	}
	if hasLake && !hasStorage {
		return newRotation(cfg.LakeFolders, KindLake), nil
	}

	effective := method
	if effective == MethodDefault {
		if strings.EqualFold(cfg.PreferredUploadMethod, "Lake") {
			effective = MethodLake
		} else {
			effective = MethodStorage
		}
	}

	if effective == MethodLake {
		return newRotation(cfg.LakeFolders, KindLake), nil
	}
	return newRotation(cfg.Containers, KindStorage), nil
}

func newRotation(paths []string, kind Kind) *Rotation {
	containers := make([]Container, len(paths))
	for i, p := range paths {
		containers[i] = Container{Path: p, Kind: kind}
	}
	return &Rotation{containers: containers}
}
