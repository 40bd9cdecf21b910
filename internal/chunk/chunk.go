// Package chunk defines the typed units of content stored in a directory and
// their on-disk serialization.
package chunk

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/starford/pkb/internal/apperr"
	"github.com/starford/pkb/internal/parser"
)

// Kind tags the variant of a Chunk.
type Kind string

const (
	KindMediaLink      Kind = "MediaLink"
	KindTextNote       Kind = "TextNote"
	KindStructuredData Kind = "StructuredData"
)

// File extensions, without the leading dot.
const (
	ExtMediaLink = "mln"
	ExtEntry     = "js.md"
)

// DeletedSuffix marks a soft-deleted chunk file.
const DeletedSuffix = ".deleted"

const maxTitleLen = 64

// Chunk is one of MediaLink, TextNote or StructuredData.
type Chunk interface {
	Kind() Kind
	isChunk()
}

// MediaLink references external or local media.
type MediaLink struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Title    string `json:"title,omitempty"`
}

// TextNote is free text.
type TextNote struct {
	Content string `json:"content"`
	Title   string `json:"title,omitempty"`
}

// StructuredData is a JSON-like payload tagged with a type name.
type StructuredData struct {
	DBType string         `json:"db_type"`
	Data   map[string]any `json:"data"`
}

func (MediaLink) Kind() Kind      { return KindMediaLink }
func (TextNote) Kind() Kind       { return KindTextNote }
func (StructuredData) Kind() Kind { return KindStructuredData }

func (MediaLink) isChunk()      {}
func (TextNote) isChunk()       {}
func (StructuredData) isChunk() {}

// Extension returns the file extension c serializes to.
func Extension(c Chunk) string {
	if c.Kind() == KindMediaLink {
		return ExtMediaLink
	}
	return ExtEntry
}

// Title returns the optional title carried by c.
func Title(c Chunk) string {
	switch v := c.(type) {
	case MediaLink:
		return v.Title
	case TextNote:
		return v.Title
	case StructuredData:
		s, _ := v.Data[parser.KeyTitle].(string)
		return s
	}
	return ""
}

// GenerateFilename returns "<unix-timestamp>[ <sanitized-title>].<ext>".
func GenerateFilename(c Chunk, ts time.Time, title string) string {
	name := strconv.FormatInt(ts.Unix(), 10)
	if t := SanitizeTitle(title); t != "" {
		name += " " + t
	}
	return name + "." + Extension(c)
}

// SanitizeTitle replaces characters that are unsafe in file names with '_'
// and caps the length.
func SanitizeTitle(title string) string {
	var sb strings.Builder
	for _, r := range strings.TrimSpace(title) {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r), unicode.IsControl(r):
			sb.WriteRune('_')
		default:
			sb.WriteRune(r)
		}
	}
	out := sb.String()
	if utf8.RuneCountInString(out) > maxTitleLen {
		out = string([]rune(out)[:maxTitleLen])
	}
	return strings.Trim(out, " .")
}

// Encode serializes c. now stamps the entry header of TextNote and
// StructuredData chunks.
func Encode(c Chunk, now time.Time) ([]byte, error) {
	switch v := c.(type) {
	case MediaLink:
		url := strings.TrimSpace(v.URL)
		if url == "" {
			return nil, apperr.Invalid("url", "must not be empty")
		}
		if strings.ContainsAny(url, "\r\n") {
			return nil, apperr.Invalid("url", "must be a single line")
		}
		return []byte(url), nil

	case TextNote:
		return parser.Encode(&parser.Entry{
			DBType:    string(KindTextNote),
			CreatedAt: now,
			Title:     v.Title,
			Body:      v.Content,
		})

	case StructuredData:
		if v.DBType == "" {
			return nil, apperr.Invalid("db_type", "must not be empty")
		}
		e := &parser.Entry{DBType: v.DBType, CreatedAt: now, Extra: map[string]any{}}
		for k, val := range v.Data {
			if k == parser.KeyTitle {
				s, ok := val.(string)
				if !ok {
					return nil, apperr.Invalid("data.title", "must be a string")
				}
				e.Title = s
				continue
			}
			if parser.IsReserved(k) {
				return nil, apperr.Invalid("data."+k, "is a reserved entry field")
			}
			e.Extra[k] = val
		}
		return parser.Encode(e)
	}
	return nil, fmt.Errorf("chunk: unknown variant %T", c)
}

// Decode reconstructs a chunk from the bytes of the file at path.
func Decode(path string, data []byte) (Chunk, error) {
	if strings.HasSuffix(trimDeleted(path), "."+ExtMediaLink) {
		return MediaLink{URL: strings.TrimSpace(string(data))}, nil
	}
	e, err := parser.Parse(data)
	if err != nil {
		return nil, err
	}
	if e.DBType == string(KindTextNote) {
		content := e.Body
		if !e.Headerless {
			content = parser.StripTitleHeading(e.Body, e.Title)
		}
		return TextNote{Content: content, Title: e.Title}, nil
	}
	payload := make(map[string]any, len(e.Extra)+1)
	for k, v := range e.Extra {
		payload[k] = v
	}
	if e.Title != "" {
		payload[parser.KeyTitle] = e.Title
	}
	return StructuredData{DBType: e.DBType, Data: payload}, nil
}

// DetectFromPath infers the chunk shape from the file extension alone.
// The returned chunk is an empty placeholder of the detected variant.
func DetectFromPath(path string) (Chunk, bool) {
	p := strings.ToLower(trimDeleted(path))
	switch {
	case strings.HasSuffix(p, "."+ExtMediaLink):
		return MediaLink{}, true
	case strings.HasSuffix(p, ".md"), strings.HasSuffix(p, ".js"):
		return TextNote{}, true
	}
	return nil, false
}

// IsDeleted reports whether path is a soft-delete tombstone.
func IsDeleted(path string) bool {
	return strings.HasSuffix(path, DeletedSuffix)
}

func trimDeleted(path string) string {
	return strings.TrimSuffix(path, DeletedSuffix)
}
