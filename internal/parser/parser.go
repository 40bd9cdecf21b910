// Package parser reads and writes the Entry hybrid format: a single-line JSON
// header followed by a Markdown body.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Reserved header keys.
const (
	KeyDBType     = "__dbType"
	KeyID         = "id"
	KeyCreatedAt  = "created_at"
	KeyModifiedAt = "modified_at"
	KeyTitle      = "title"
)

// ErrMissingDBType is returned for a JSON header without a discriminator.
var ErrMissingDBType = errors.New("parser: header has no " + KeyDBType)

var md = goldmark.New()

// Entry is the envelope of a .js.md file.
type Entry struct {
	DBType     string
	ID         string
	CreatedAt  time.Time
	ModifiedAt *time.Time
	Title      string
	// Extra holds every header field that is not reserved. Round-trips as is.
	Extra map[string]any
	Body  string
	// Headerless is set when the file had no JSON header line.
	Headerless bool
}

// IsReserved reports whether key is one of the header keys owned by Entry.
func IsReserved(key string) bool {
	switch key {
	case KeyDBType, KeyID, KeyCreatedAt, KeyModifiedAt, KeyTitle:
		return true
	}
	return false
}

// Encode renders e: the JSON header line, an optional "# title" heading, a
// blank line and the body.
func Encode(e *Entry) ([]byte, error) {
	if e.DBType == "" {
		return nil, ErrMissingDBType
	}
	header := make(map[string]any, len(e.Extra)+5)
	for k, v := range e.Extra {
		if IsReserved(k) {
			return nil, fmt.Errorf("parser: extra field %q collides with a reserved key", k)
		}
		header[k] = v
	}
	header[KeyDBType] = e.DBType
	header[KeyCreatedAt] = e.CreatedAt.UTC().Format(time.RFC3339Nano)
	if e.ID != "" {
		header[KeyID] = e.ID
	}
	if e.ModifiedAt != nil {
		header[KeyModifiedAt] = e.ModifiedAt.UTC().Format(time.RFC3339Nano)
	}
	if e.Title != "" {
		header[KeyTitle] = e.Title
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Map keys are emitted sorted, so equal entries encode to equal bytes.
	if err := enc.Encode(header); err != nil {
		return nil, fmt.Errorf("parser: encode header: %w", err)
	}
	if e.Title != "" {
		buf.WriteString("\n# ")
		buf.WriteString(singleLine(e.Title))
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
	buf.WriteString(e.Body)
	return buf.Bytes(), nil
}

// Parse reads an Entry. A file whose first line is not a JSON object is
// treated as plain Markdown: the whole file is the body and the title comes
// from its first level-1 heading.
func Parse(data []byte) (*Entry, error) {
	first, rest, _ := bytes.Cut(data, []byte("\n"))
	first = bytes.TrimRight(first, "\r")

	if !bytes.HasPrefix(bytes.TrimSpace(first), []byte("{")) {
		return &Entry{
			DBType:     "TextNote",
			Title:      MarkdownTitle(data),
			Body:       string(data),
			Headerless: true,
		}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(first))
	dec.UseNumber()
	var header map[string]any
	if err := dec.Decode(&header); err != nil {
		return nil, fmt.Errorf("parser: decode header: %w", err)
	}

	e := &Entry{Extra: make(map[string]any)}
	for k, v := range header {
		switch k {
		case KeyDBType:
			s, _ := v.(string)
			e.DBType = s
		case KeyID:
			e.ID = fmt.Sprint(v)
		case KeyTitle:
			s, _ := v.(string)
			e.Title = s
		case KeyCreatedAt:
			t, err := parseTime(v)
			if err != nil {
				return nil, fmt.Errorf("parser: %s: %w", KeyCreatedAt, err)
			}
			e.CreatedAt = t
		case KeyModifiedAt:
			t, err := parseTime(v)
			if err != nil {
				return nil, fmt.Errorf("parser: %s: %w", KeyModifiedAt, err)
			}
			e.ModifiedAt = &t
		default:
			e.Extra[k] = v
		}
	}
	if e.DBType == "" {
		return nil, ErrMissingDBType
	}
	e.Body = trimLeadingBlankLines(string(rest))
	return e, nil
}

// StripTitleHeading removes the "# title" heading Encode injects at the top
// of the body, together with the blank lines after it.
func StripTitleHeading(body, title string) string {
	if title == "" {
		return body
	}
	heading := "# " + singleLine(title)
	line, rest, found := strings.Cut(body, "\n")
	if strings.TrimRight(line, "\r") != heading {
		return body
	}
	if !found {
		return ""
	}
	return trimLeadingBlankLines(rest)
}

// MarkdownTitle returns the text of the first level-1 heading in src.
func MarkdownTitle(src []byte) string {
	doc := md.Parser().Parse(text.NewReader(src))
	var title string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok && h.Level == 1 {
			title = strings.TrimSpace(inlineText(h, src))
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return title
}

func inlineText(n ast.Node, src []byte) string {
	var sb strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch v := c.(type) {
		case *ast.Text:
			sb.Write(v.Segment.Value(src))
			if v.SoftLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.String:
			sb.Write(v.Value)
		default:
			sb.WriteString(inlineText(c, src))
		}
	}
	return sb.String()
}

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		return time.Parse(time.RFC3339Nano, t)
	case json.Number:
		// Older files carry unix milliseconds.
		ms, err := t.Int64()
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp %T", v)
}

func trimLeadingBlankLines(s string) string {
	for {
		line, rest, found := strings.Cut(s, "\n")
		if strings.TrimSpace(line) != "" {
			return s
		}
		if !found {
			return ""
		}
		s = rest
	}
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
