package compositor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dkeye/confcast/internal/domain"
)

var (
	segmentRef  = regexp.MustCompile(`segment_\d+\.ts`)
	segmentName = regexp.MustCompile(`^segment_\d+\.ts$`)

	ErrNoStream       = fmt.Errorf("no live stream: %w", domain.ErrNotFound)
	ErrInvalidSegment = fmt.Errorf("invalid segment name: %w", domain.ErrValidation)
)

// ValidSegmentName reports whether name is a segment the transcoder writes.
func ValidSegmentName(name string) bool {
	return segmentName.MatchString(name)
}

// RewriteManifest replaces relative segment references with absolute URLs
// under baseURL.
func RewriteManifest(manifest []byte, baseURL string) []byte {
	base := strings.TrimRight(baseURL, "/")
	return segmentRef.ReplaceAllFunc(manifest, func(ref []byte) []byte {
		return []byte(base + "/" + string(ref))
	})
}

// SegmentsOf lists the segment names a manifest references, in order.
func SegmentsOf(manifest []byte) []string {
	var out []string
	for _, line := range strings.Split(string(manifest), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if m := segmentRef.FindString(line); m != "" {
			out = append(out, m)
		}
	}
	return out
}
