package chunk

import (
	"fmt"

	"github.com/starford/pkb/internal/apperr"
)

// Wire is the JSON envelope chunks travel in over the HTTP and MCP surfaces.
type Wire struct {
	Kind     Kind           `json:"kind"`
	URL      string         `json:"url,omitempty"`
	MimeType string         `json:"mime_type,omitempty"`
	Title    string         `json:"title,omitempty"`
	Content  string         `json:"content,omitempty"`
	DBType   string         `json:"db_type,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// ToChunk converts the envelope into its variant.
func (w Wire) ToChunk() (Chunk, error) {
	switch w.Kind {
	case KindMediaLink:
		if w.URL == "" {
			return nil, apperr.Invalid("url", "is required")
		}
		return MediaLink{URL: w.URL, MimeType: w.MimeType, Title: w.Title}, nil
	case KindTextNote:
		return TextNote{Content: w.Content, Title: w.Title}, nil
	case KindStructuredData:
		if w.DBType == "" {
			return nil, apperr.Invalid("db_type", "is required")
		}
		data := w.Data
		if data == nil {
			data = map[string]any{}
		}
		return StructuredData{DBType: w.DBType, Data: data}, nil
	}
	return nil, apperr.Invalid("kind", fmt.Sprintf("unknown chunk kind %q", w.Kind))
}

// ToWire converts a chunk to its envelope.
func ToWire(c Chunk) Wire {
	switch v := c.(type) {
	case MediaLink:
		return Wire{Kind: KindMediaLink, URL: v.URL, MimeType: v.MimeType, Title: v.Title}
	case TextNote:
		return Wire{Kind: KindTextNote, Content: v.Content, Title: v.Title}
	case StructuredData:
		return Wire{Kind: KindStructuredData, DBType: v.DBType, Data: v.Data}
	}
	return Wire{}
}
