// Package filter post-processes accumulated answer text before display.
package filter

import (
	"regexp"
	"strings"
)

const (
	// minMeaningfulLength is the length below which a filtered answer is
	// considered to have collapsed to nothing.
	minMeaningfulLength = 10

	// FallbackAnswer replaces an answer that collapses to near-nothing
	// after filtering.
	FallbackAnswer = "I found an answer but couldn't format it for display. Please try rephrasing your question."
)

// Filter rewrites accumulated answer text before it is handed to the
// caller. Implementations must be pure: the same input always yields the
// same output, since the filter is applied to every chunk and to the
// final text.
type Filter interface {
	Apply(text string) string
}

// mediaLinkPattern matches raw media URLs the backend sometimes leaks
// into answer text instead of emitting image frames.
var mediaLinkPattern = regexp.MustCompile(`https?://\S+\.(?:png|jpe?g|gif|webp|svg|mp4|webm)(?:\?\S*)?`)

// markdownImagePattern matches inline markdown image fragments.
var markdownImagePattern = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)

// MediaLink strips embedded raw-media-link fragments and lines from
// answer text. Lines that consist solely of a media link are removed
// outright; inline fragments are excised in place.
type MediaLink struct{}

// NewMediaLink creates the default media-link filter.
func NewMediaLink() *MediaLink {
	return &MediaLink{}
}

// Apply implements Filter.
func (f *MediaLink) Apply(text string) string {
	if text == "" {
		return text
	}

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		stripped := markdownImagePattern.ReplaceAllString(line, "")
		stripped = mediaLinkPattern.ReplaceAllString(stripped, "")
		if strings.TrimSpace(stripped) == "" && strings.TrimSpace(line) != "" {
			// The line was nothing but media links.
			continue
		}
		kept = append(kept, stripped)
	}
	filtered := strings.Join(kept, "\n")

	// The fallback only applies when filtering itself collapsed the
	// answer; a short unfiltered answer passes through untouched.
	if filtered != text && len(strings.TrimSpace(filtered)) < minMeaningfulLength {
		return FallbackAnswer
	}
	return filtered
}

// None is a pass-through filter.
type None struct{}

// Apply implements Filter.
func (None) Apply(text string) string { return text }
