package chunk

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/pkb/internal/apperr"
	"github.com/starford/pkb/internal/storage"
)

var fixedTime = time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)

func newTree(t *testing.T) *storage.FS {
	t.Helper()
	fs, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return fs
}

func TestGenerateFilename(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	tests := []struct {
		name  string
		chunk Chunk
		title string
		want  string
	}{
		{"no title", TextNote{Content: "x"}, "", "1700000000.js.md"},
		{"title", TextNote{Content: "x"}, "Groceries", "1700000000 Groceries.js.md"},
		{"unsafe chars", MediaLink{URL: "u"}, `My/Note: "x"?`, "1700000000 My_Note_ _x__.mln"},
		{"whitespace only", StructuredData{DBType: "T"}, "   ", "1700000000.js.md"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GenerateFilename(tt.chunk, ts, tt.title); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGenerateFilename_Invariants(t *testing.T) {
	ts := time.Unix(1234567890, 0)
	for _, c := range []Chunk{MediaLink{}, TextNote{}, StructuredData{DBType: "X"}} {
		name := GenerateFilename(c, ts, "My/Note")
		if strings.Contains(name, "/") {
			t.Errorf("%q contains a separator", name)
		}
		if !strings.Contains(name, "1234567890") {
			t.Errorf("%q lacks timestamp", name)
		}
		if !strings.HasSuffix(name, "."+Extension(c)) {
			t.Errorf("%q lacks extension %s", name, Extension(c))
		}
	}
}

func TestSanitizeTitle_Caps(t *testing.T) {
	long := strings.Repeat("é", 200)
	if got := []rune(SanitizeTitle(long)); len(got) != maxTitleLen {
		t.Errorf("len = %d", len(got))
	}
}

func TestIngest_TextNote(t *testing.T) {
	tree := newTree(t)
	id, err := Ingest(tree, "notes/hello.js.md", TextNote{Content: "Hello", Title: "Greeting"}, fixedTime)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if id.IsZero() {
		t.Fatal("zero entry id")
	}
	data, err := os.ReadFile(filepath.Join(tree.Root(), "notes", "hello.js.md"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "# Greeting") || !strings.Contains(string(data), "Hello") {
		t.Errorf("unexpected file: %s", data)
	}
}

func TestIngest_ContentAddressing(t *testing.T) {
	tree := newTree(t)
	a, _ := Ingest(tree, "a.js.md", TextNote{Content: "same"}, fixedTime)
	b, _ := Ingest(tree, "b.js.md", TextNote{Content: "same"}, fixedTime)
	c, _ := Ingest(tree, "c.js.md", TextNote{Content: "samE"}, fixedTime)
	if a != b {
		t.Error("identical content produced different ids")
	}
	if a == c {
		t.Error("different content produced the same id")
	}
}

func TestIngest_MediaLinkIsPlainURL(t *testing.T) {
	tree := newTree(t)
	if _, err := Ingest(tree, "song.mln", MediaLink{URL: "https://example.com/a.mp3", Title: "Song"}, fixedTime); err != nil {
		t.Fatal(err)
	}
	data, _ := tree.Read("song.mln")
	if string(data) != "https://example.com/a.mp3" {
		t.Errorf("mln content = %q", data)
	}
}

func TestIngest_FilesystemError(t *testing.T) {
	tree := newTree(t)
	_, err := Ingest(tree, "../escape.js.md", TextNote{Content: "x"}, fixedTime)
	if !errors.Is(err, apperr.ErrFilesystem) {
		t.Fatalf("err = %v, want filesystem error", err)
	}
}

func TestEncodeDecode_StructuredData(t *testing.T) {
	in := StructuredData{DBType: "Recipe", Data: map[string]any{"title": "Soup", "serves": "4"}}
	data, err := Encode(in, fixedTime)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode("soup.js.md", data)
	if err != nil {
		t.Fatal(err)
	}
	sd, ok := out.(StructuredData)
	if !ok {
		t.Fatalf("decoded %T", out)
	}
	if sd.DBType != "Recipe" || sd.Data["title"] != "Soup" || sd.Data["serves"] != "4" {
		t.Errorf("decoded %+v", sd)
	}
}

func TestEncode_StructuredDataReservedKey(t *testing.T) {
	_, err := Encode(StructuredData{DBType: "X", Data: map[string]any{"created_at": 1}}, fixedTime)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
}

func TestDecode_TextNoteStripsHeading(t *testing.T) {
	data, _ := Encode(TextNote{Content: "body\n", Title: "T"}, fixedTime)
	out, err := Decode("x.js.md", data)
	if err != nil {
		t.Fatal(err)
	}
	if n := out.(TextNote); n.Content != "body\n" || n.Title != "T" {
		t.Errorf("decoded %+v", n)
	}
}

func TestDetectFromPath(t *testing.T) {
	tests := []struct {
		path string
		want Kind
		ok   bool
	}{
		{"a.mln", KindMediaLink, true},
		{"a.md", KindTextNote, true},
		{"a.js", KindTextNote, true},
		{"dir/a.js.md", KindTextNote, true},
		{"a.JS.MD", KindTextNote, true},
		{"a.png", "", false},
		{"noext", "", false},
	}
	for _, tt := range tests {
		c, ok := DetectFromPath(tt.path)
		if ok != tt.ok {
			t.Errorf("%s: ok = %v", tt.path, ok)
			continue
		}
		if ok && c.Kind() != tt.want {
			t.Errorf("%s: kind = %s", tt.path, c.Kind())
		}
	}
}

func TestSummarize(t *testing.T) {
	long := strings.Repeat("a", 150)
	tests := []struct {
		chunk Chunk
		want  Summary
	}{
		{MediaLink{URL: "u"}, Summary{Title: "Media", ContentType: "MediaLink", Preview: "u"}},
		{TextNote{Content: long}, Summary{Title: "Note", ContentType: "TextNote", Preview: long[:100]}},
		{TextNote{Content: "c", Title: "T"}, Summary{Title: "T", ContentType: "TextNote", Preview: "c"}},
		{StructuredData{DBType: "Recipe", Data: map[string]any{}}, Summary{Title: "Recipe", ContentType: "Recipe"}},
		{StructuredData{DBType: "Recipe", Data: map[string]any{"title": "Soup"}}, Summary{Title: "Soup", ContentType: "Recipe"}},
	}
	for _, tt := range tests {
		if got := Summarize(tt.chunk); got != tt.want {
			t.Errorf("Summarize(%T) = %+v, want %+v", tt.chunk, got, tt.want)
		}
	}
}

func TestWire(t *testing.T) {
	if _, err := (Wire{Kind: "Bogus"}).ToChunk(); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("err = %v", err)
	}
	c, err := Wire{Kind: KindTextNote, Content: "hi"}.ToChunk()
	if err != nil {
		t.Fatal(err)
	}
	if ToWire(c).Content != "hi" {
		t.Error("wire round trip lost content")
	}
}
