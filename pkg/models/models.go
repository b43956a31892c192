package models

import "time"

// HarvestRequest describes one end-to-end harvest: find images for Query and
// persist up to Count of them under OutputDir. A request is immutable once
// submitted to the coordinator.
type HarvestRequest struct {
	Query          string
	Count          int
	OutputDir      string
	PerItemTimeout time.Duration
	Deadline       time.Duration

	// Optional filters. Zero values disable the filter.
	MinWidth       int
	MinHeight      int
	AllowedFormats []string
}

// ImageCandidate is a discovered image reference prior to download. Created by
// the extractor, consumed by the download pool, never mutated.
type ImageCandidate struct {
	// URL is the resolved full-resolution link when the page exposed one.
	URL string
	// ThumbnailURL is the placeholder/thumbnail link the candidate was
	// discovered through.
	ThumbnailURL string
	// Index is the discovery position, starting at 0. Manifest ordering
	// follows Index regardless of download completion order.
	Index        int
	DiscoveredAt time.Time
}

// Key returns the uniqueness key for the candidate: the resolved URL when
// available, else the thumbnail URL. Prevents double-counting an image the
// engine surfaces twice during reflow.
func (c ImageCandidate) Key() string {
	if c.URL != "" {
		return c.URL
	}
	return c.ThumbnailURL
}

// StoredImage is one persisted image in the output directory.
type StoredImage struct {
	Filename    string `json:"filename"`
	Fingerprint string `json:"fingerprint"`
	Size        int64  `json:"size"`
	SourceURL   string `json:"source_url"`
}

// DuplicateSkipped records a candidate whose payload matched an already
// stored fingerprint. Not an error.
type DuplicateSkipped struct {
	URL         string `json:"url"`
	Fingerprint string `json:"fingerprint"`
	DuplicateOf string `json:"duplicate_of"`
}

// Failure records a candidate that could not be stored.
type Failure struct {
	URL    string `json:"url"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// HarvestManifest is the final report for one harvest. Every candidate that
// was attempted appears in exactly one of Stored, Duplicates, or Failures.
type HarvestManifest struct {
	ID         string             `json:"id"`
	Query      string             `json:"query"`
	Requested  int                `json:"requested"`
	Candidates int                `json:"candidates"`
	Stored     []StoredImage      `json:"stored"`
	Duplicates []DuplicateSkipped `json:"duplicates,omitempty"`
	Failures   []Failure          `json:"failures,omitempty"`
	// Partial is set when extraction terminated early (deadline, navigation
	// trouble) or the page stabilized with fewer candidates than requested.
	Partial    bool      `json:"partial"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
