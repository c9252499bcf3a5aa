package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docflowhq/docflow/pkg/log"
)

var (
	// ErrInvalidArchive marks a file that is not a readable ZIP.
	ErrInvalidArchive = errors.New("invalid archive")

	// ErrTooManyFiles marks an archive exceeding the entry count limit.
	ErrTooManyFiles = errors.New("too many files in archive")

	// ErrZipBomb marks an archive whose declared uncompressed size or
	// compression ratio is past the safety limits.
	ErrZipBomb = errors.New("zip bomb detected")

	// ErrEmptyArchive marks an archive with zero valid entries.
	ErrEmptyArchive = errors.New("archive contains no valid files")
)

// compression ratios past this are treated as hostile
const maxCompressionRatio = 100.0

const maxSafeNameLen = 100

// Limits bounds what an archive may contain before extraction starts.
type Limits struct {
	MaxExtractedTotalBytes int64
	MaxFileBytes           int64
	MaxFiles               int
	AllowedExtensions      map[string]bool
}

// DefaultLimits returns the production extraction limits.
func DefaultLimits() Limits {
	return Limits{
		MaxExtractedTotalBytes: 200 * 1024 * 1024,
		MaxFileBytes:           50 * 1024 * 1024,
		MaxFiles:               1000,
		AllowedExtensions: map[string]bool{
			"pdf": true, "jpg": true, "jpeg": true, "png": true,
			"gif": true, "webp": true, "txt": true, "md": true,
			"csv": true, "json": true, "docx": true, "xlsx": true,
			"doc": true,
		},
	}
}

// Entry describes one archive member after validation or extraction.
type Entry struct {
	OriginalPath string `json:"original_path"`
	SafePath     string `json:"safe_path,omitempty"`
	Size         int64  `json:"size"`
	Type         string `json:"type,omitempty"`
	Valid        bool   `json:"valid"`
	Error        string `json:"error,omitempty"`
}

// Result is the outcome of a full validate-and-extract run.
type Result struct {
	Dir     string  `json:"extraction_dir"`
	Entries []Entry `json:"entries"`
}

// Extractor validates and unpacks untrusted ZIP archives into a scoped
// directory.
type Extractor struct {
	limits Limits
}

// NewExtractor creates an extractor with the given limits.
func NewExtractor(limits Limits) *Extractor {
	return &Extractor{limits: limits}
}

// Validate inspects the archive without extracting anything. It fails on
// structural problems (invalid header, too many files, zip bomb, nothing
// valid); per-entry problems mark entries suspicious but do not fail the
// archive.
func (e *Extractor) Validate(path string) ([]Entry, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer r.Close()

	if len(r.File) > e.limits.MaxFiles {
		return nil, fmt.Errorf("%w: %d entries (limit %d)", ErrTooManyFiles, len(r.File), e.limits.MaxFiles)
	}

	var entries []Entry
	var totalUncompressed int64
	validCount := 0

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}

		size := int64(f.UncompressedSize64)
		totalUncompressed += size
		if totalUncompressed > e.limits.MaxExtractedTotalBytes {
			return nil, fmt.Errorf("%w: declared total %d bytes exceeds limit %d",
				ErrZipBomb, totalUncompressed, e.limits.MaxExtractedTotalBytes)
		}
		if f.CompressedSize64 > 0 {
			ratio := float64(f.UncompressedSize64) / float64(f.CompressedSize64)
			if ratio > maxCompressionRatio {
				return nil, fmt.Errorf("%w: entry %s compression ratio %.0f", ErrZipBomb, f.Name, ratio)
			}
		}

		entry := Entry{
			OriginalPath: f.Name,
			Size:         size,
			Valid:        true,
		}

		if size > e.limits.MaxFileBytes {
			entry.Valid = false
			entry.Error = "File too large"
		}
		if entry.Valid {
			if reason := pathViolation(f.Name); reason != "" {
				entry.Valid = false
				entry.Error = reason
			}
		}
		if entry.Valid {
			ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(f.Name), "."))
			if !e.limits.AllowedExtensions[ext] {
				entry.Valid = false
				entry.Error = "Disallowed file type"
			} else {
				entry.Type = ext
			}
		}

		if entry.Valid {
			validCount++
		}
		entries = append(entries, entry)
	}

	if validCount == 0 {
		return entries, ErrEmptyArchive
	}
	return entries, nil
}

// Extract validates the archive and unpacks every valid entry under a
// fresh directory below destRoot. Suspicious entries are skipped and
// reported in the result.
func (e *Extractor) Extract(path, destRoot string) (*Result, error) {
	entries, err := e.Validate(path)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(destRoot, "extract-")
	if err != nil {
		return nil, fmt.Errorf("failed to create extraction root: %w", err)
	}

	r, err := zip.OpenReader(path)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer r.Close()

	byName := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		byName[f.Name] = f
	}

	logger := log.WithComponent("archive")
	for i := range entries {
		entry := &entries[i]
		if !entry.Valid {
			continue
		}
		f := byName[entry.OriginalPath]
		if f == nil {
			entry.Valid = false
			entry.Error = "Entry disappeared between validation and extraction"
			continue
		}

		safeName := sanitizeFilename(filepath.Base(entry.OriginalPath))
		outPath, err := resolveWithin(dir, safeName)
		if err != nil {
			entry.Valid = false
			entry.Error = "Path traversal"
			continue
		}

		if err := e.writeEntry(f, outPath, entry.Size); err != nil {
			logger.Warn().Err(err).Str("entry", entry.OriginalPath).Msg("failed to extract entry")
			entry.Valid = false
			entry.Error = err.Error()
			continue
		}
		entry.SafePath = outPath
	}

	return &Result{Dir: dir, Entries: entries}, nil
}

// writeEntry copies one member to disk, treating the declared size as a
// hard upper bound. An overrun mid-stream aborts and removes the partial
// output.
func (e *Extractor) writeEntry(f *zip.File, outPath string, declaredSize int64) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open archive entry: %w", err)
	}
	defer rc.Close()

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	written, err := io.Copy(out, io.LimitReader(rc, declaredSize+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(outPath)
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if written > declaredSize {
		os.Remove(outPath)
		return fmt.Errorf("entry exceeded declared size %d", declaredSize)
	}
	return nil
}

// pathViolation returns a reason string for unsafe entry names.
func pathViolation(name string) string {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return "Path traversal"
	}
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return "Path traversal"
		}
	}
	clean := filepath.Clean(name)
	if strings.HasPrefix(clean, "..") {
		return "Path traversal"
	}
	return ""
}

// sanitizeFilename strips non-portable characters and caps length while
// keeping the extension intact.
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	s := b.String()
	if s == "" || s == "." || s == ".." {
		s = "file"
	}
	if len(s) > maxSafeNameLen {
		ext := filepath.Ext(s)
		if len(ext) >= maxSafeNameLen {
			ext = ""
		}
		s = s[:maxSafeNameLen-len(ext)] + ext
	}
	return s
}

// resolveWithin joins name under root and guarantees the result is a
// descendant of root.
func resolveWithin(root, name string) (string, error) {
	path := filepath.Join(root, name)
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path escapes extraction root: %s", name)
	}
	return path, nil
}
