package video

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidCandidate marks a candidate rejected by local format validation. Such
// candidates are dropped silently.
var ErrInvalidCandidate = errors.New("video: invalid candidate")

var (
	platformIDPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
	isoDurationPattern = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)
)

// Candidate is a discovered video pending promotion into a category collection.
type Candidate struct {
	PlatformID    string `json:"platform_id"`
	Title         string `json:"title"`
	DurationLabel string `json:"duration_label,omitempty"`
	ThumbnailURL  string `json:"thumbnail_url,omitempty"`
}

// ValidateID checks the platform's id format.
func ValidateID(id string) error {
	if !platformIDPattern.MatchString(id) {
		return fmt.Errorf("%w: malformed id %q", ErrInvalidCandidate, id)
	}
	return nil
}

// DurationLabel renders an ISO-8601 duration such as PT1H2M3S as 1:02:03.
func DurationLabel(iso string) string {
	matches := isoDurationPattern.FindStringSubmatch(strings.TrimSpace(iso))
	if matches == nil {
		return ""
	}
	days := atoiOrZero(matches[1])
	hours := atoiOrZero(matches[2]) + days*24
	minutes := atoiOrZero(matches[3])
	seconds := atoiOrZero(matches[4])
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

func atoiOrZero(value string) int {
	if value == "" {
		return 0
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return parsed
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		trimmed := strings.TrimSpace(id)
		if trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	return set
}
