package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "golang.org/x/image/webp"

	errs "imgharvest/pkg/errors"
	"imgharvest/pkg/logger"
	"imgharvest/pkg/models"
)

// ManifestFilename is the name of the manifest written alongside the images.
const ManifestFilename = "manifest.json"

// Status is the outcome of admitting a payload.
type Status int

const (
	// StatusStored means the payload was new and persisted to disk.
	StatusStored Status = iota
	// StatusDuplicate means an identical payload was already stored this
	// harvest. Nothing was written.
	StatusDuplicate
	// StatusRejected means the payload failed format or dimension checks.
	StatusRejected
)

// Admission describes what happened to one payload. Image is set for
// StatusStored, Duplicate for StatusDuplicate and Reason for StatusRejected.
type Admission struct {
	Status    Status
	Image     models.StoredImage
	Duplicate models.DuplicateSkipped
	Reason    string
}

// Options tunes payload admission.
type Options struct {
	// MinWidth/MinHeight reject decoded images smaller than this. Zero
	// disables the check.
	MinWidth  int
	MinHeight int
	// AllowedFormats lists accepted sniffed formats. Empty means the
	// default set (jpeg, png, gif, webp).
	AllowedFormats []string
}

var defaultFormats = []string{"jpeg", "png", "gif", "webp"}

// Store persists harvested images into a single directory, deduplicating by
// content fingerprint within the harvest. Safe for concurrent use.
type Store struct {
	dir     string
	slug    string
	minW    int
	minH    int
	allowed map[string]bool
	logger  logger.Logger

	mu   sync.Mutex
	seen map[string]string // fingerprint -> filename
	seq  int
}

// New creates a store rooted at dir, creating the directory if needed.
// Filenames are derived from query.
func New(dir, query string, opts Options, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	formats := opts.AllowedFormats
	if len(formats) == 0 {
		formats = defaultFormats
	}
	allowed := make(map[string]bool, len(formats))
	for _, f := range formats {
		allowed[strings.ToLower(f)] = true
	}

	return &Store{
		dir:     dir,
		slug:    Slugify(query),
		minW:    opts.MinWidth,
		minH:    opts.MinHeight,
		allowed: allowed,
		logger:  log,
		seen:    make(map[string]string),
	}, nil
}

// Dir returns the directory images are written into.
func (s *Store) Dir() string {
	return s.dir
}

// Count returns the number of images persisted so far.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Admit fingerprints and validates a payload, then persists it unless an
// identical payload was already stored this harvest. A non-nil error means
// the payload passed validation but could not be written.
func (s *Store) Admit(cand models.ImageCandidate, data []byte) (Admission, error) {
	sum := sha256.Sum256(data)
	fingerprint := hex.EncodeToString(sum[:])

	format, width, height, err := sniff(data)
	if err != nil {
		return Admission{
			Status: StatusRejected,
			Reason: "unrecognized image format",
		}, nil
	}
	if !s.allowed[format] {
		return Admission{
			Status: StatusRejected,
			Reason: fmt.Sprintf("format %s not allowed", format),
		}, nil
	}
	if (s.minW > 0 && width < s.minW) || (s.minH > 0 && height < s.minH) {
		return Admission{
			Status: StatusRejected,
			Reason: fmt.Sprintf("dimensions %dx%d below minimum %dx%d", width, height, s.minW, s.minH),
		}, nil
	}

	s.mu.Lock()
	if existing, ok := s.seen[fingerprint]; ok {
		s.mu.Unlock()
		s.logger.DebugWithFields("duplicate payload skipped", map[string]interface{}{
			"url":          cand.Key(),
			"fingerprint":  fingerprint,
			"duplicate_of": existing,
		})
		return Admission{
			Status: StatusDuplicate,
			Duplicate: models.DuplicateSkipped{
				URL:         cand.Key(),
				Fingerprint: fingerprint,
				DuplicateOf: existing,
			},
		}, nil
	}
	s.seq++
	filename := fmt.Sprintf("%s_%03d.%s", s.slug, s.seq, extensionFor(format))
	s.seen[fingerprint] = filename
	s.mu.Unlock()

	if err := s.writeAtomic(filename, data); err != nil {
		// Free the fingerprint so a later identical payload can still land.
		s.mu.Lock()
		delete(s.seen, fingerprint)
		s.mu.Unlock()
		return Admission{}, err
	}

	s.logger.DebugWithFields("image stored", map[string]interface{}{
		"filename": filename,
		"bytes":    len(data),
		"format":   format,
	})

	return Admission{
		Status: StatusStored,
		Image: models.StoredImage{
			Filename:    filename,
			Fingerprint: fingerprint,
			Size:        int64(len(data)),
			SourceURL:   cand.Key(),
		},
	}, nil
}

// WriteManifest persists the harvest manifest next to the images.
func (s *Store) WriteManifest(m *models.HarvestManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := s.writeAtomic(ManifestFilename, data); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// writeAtomic writes through a temp file and rename so a crash never leaves
// a half-written file under the final name.
func (s *Store) writeAtomic(filename string, data []byte) error {
	finalPath := filepath.Join(s.dir, filename)
	tmp, err := os.CreateTemp(s.dir, ".tmp-"+filename+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close %s: %w", filename, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize %s: %w", filename, err)
	}
	return nil
}

// sniff decodes just enough of the payload to learn its format and pixel
// dimensions.
func sniff(data []byte) (format string, width, height int, err error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", 0, 0, errs.Newf(errs.ErrorTypeRejectedFormat, "undecodable payload: %v", err)
	}
	return format, cfg.Width, cfg.Height, nil
}

func extensionFor(format string) string {
	if format == "jpeg" {
		return "jpg"
	}
	return format
}

// Slugify turns a search query into a filesystem-safe filename stem.
func Slugify(query string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(query)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		case r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	slug := strings.TrimRight(b.String(), "_")
	if slug == "" {
		slug = "harvest"
	}
	return slug
}
