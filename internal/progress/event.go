// Package progress defines the typed crawl events emitted by the archive
// engine and the hub that fans them out to observers. Events form a closed
// set; observers never receive untyped payloads.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/trenchlabs/trench/internal/archive"
)

// Stage denotes the kind of milestone represented by an Event.
type Stage string

// The closed set of crawl events.
const (
	StagePageCaptured  Stage = "PAGE_CAPTURED"
	StageAssetStored   Stage = "ASSET_STORED"
	StagePageFailed    Stage = "PAGE_FAILED"
	StageBudgetReached Stage = "BUDGET_REACHED"
)

// Event captures a single archival milestone.
type Event struct {
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// URL is the page or asset URL the event concerns.
	URL string
	// Depth is the crawl depth for page events.
	Depth int
	// Bytes carries the stored size for asset events.
	Bytes int64
	// Deduplicated is set for asset events that matched an existing blob.
	Deduplicated bool
	// AssetType classifies asset events.
	AssetType archive.AssetType
	// Dur captures capture latency for page events.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text or the
	// budget that was exhausted).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StagePageCaptured, StagePageFailed, StageAssetStored:
		if e.URL == "" {
			return errors.New("event requires url")
		}
	case StageBudgetReached:
		if e.Note == "" {
			return errors.New("budget event requires note")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
