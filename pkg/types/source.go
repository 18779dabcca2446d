package types

// Source is one reference document cited by the backend for an answer.
type Source struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// MetadataImageKey is the metadata key under which a retained image URL is
// merged before the completion callback fires.
const MetadataImageKey = "image_url"
