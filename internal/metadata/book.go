// Package metadata carries the identity of a book being resolved: what the
// user asked for, plus the source-page ID the download sources key on.
package metadata

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// Book identifies one downloadable release. ID is the source page's MD5
// identifier; Size is the human-readable size hint from the listing page
// ("5.2 MB"), used only for progress estimation and payload validation.
type Book struct {
	ID       string
	Title    string
	Author   string
	ISBN     string
	Language string
	Format   string
	Size     string
}

// IdentityHash returns a stable 128-bit hash of the fields that make two
// queued downloads "the same book". Used for queue deduplication.
func (b *Book) IdentityHash() string {
	key := strings.ToLower(strings.Join([]string{
		b.ID, b.Title, b.Author, b.Format,
	}, "\x00"))
	sum := xxh3.Hash128([]byte(key))
	return fmt.Sprintf("%016x%016x", sum.Hi, sum.Lo)
}

// SizeBytes parses the size hint into bytes. Returns 0 when the hint is
// absent or unparseable; callers treat 0 as "unknown".
func (b *Book) SizeBytes() int64 {
	return ParseSize(b.Size)
}

var sizePattern = regexp.MustCompile(`(?i)([\d.]+)\s*(b|kb|mb|gb|tb)`)

var sizeUnits = map[string]int64{
	"b":  1,
	"kb": 1024,
	"mb": 1024 * 1024,
	"gb": 1024 * 1024 * 1024,
	"tb": 1024 * 1024 * 1024 * 1024,
}

// ParseSize converts a human-readable size ("5.2 MB", "890kb") to bytes.
func ParseSize(s string) int64 {
	m := sizePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return int64(value * float64(sizeUnits[strings.ToLower(m[2])]))
}

// NormalizeSize uppercases the unit in a size hint ("5.2 mb" -> "5.2 MB").
func NormalizeSize(s string) string {
	return sizePattern.ReplaceAllStringFunc(strings.TrimSpace(s), strings.ToUpper)
}

// Filename returns the staging filename for the book: the page ID plus the
// release format, falling back to .bin when the format is unknown.
func (b *Book) Filename() string {
	format := strings.ToLower(strings.TrimPrefix(b.Format, "."))
	if format == "" {
		format = "bin"
	}
	return b.ID + "." + format
}
