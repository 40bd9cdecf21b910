package chunk

import "unicode/utf8"

// PreviewLen is the number of runes kept in a TextNote preview.
const PreviewLen = 100

// Summary is the display digest of a chunk.
type Summary struct {
	Title       string `json:"title"`
	ContentType string `json:"content_type"`
	Preview     string `json:"preview,omitempty"`
}

// Summarize derives a Summary from the chunk variant.
func Summarize(c Chunk) Summary {
	switch v := c.(type) {
	case MediaLink:
		return Summary{Title: orDefault(v.Title, "Media"), ContentType: string(KindMediaLink), Preview: v.URL}
	case TextNote:
		return Summary{Title: orDefault(v.Title, "Note"), ContentType: string(KindTextNote), Preview: truncate(v.Content, PreviewLen)}
	case StructuredData:
		return Summary{Title: orDefault(Title(v), v.DBType), ContentType: v.DBType}
	}
	return Summary{}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
