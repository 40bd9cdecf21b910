package parser

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEncodeParse_RoundTrip(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 30, 0, 123, time.UTC)
	in := &Entry{
		DBType:    "TextNote",
		CreatedAt: created,
		Title:     "Greeting",
		Extra:     map[string]any{"mood": "calm"},
		Body:      "Hello\n",
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if out.DBType != in.DBType {
		t.Errorf("db type = %q", out.DBType)
	}
	if out.Title != in.Title {
		t.Errorf("title = %q", out.Title)
	}
	if !out.CreatedAt.Equal(created) {
		t.Errorf("created_at = %v, want %v", out.CreatedAt, created)
	}
	if out.Extra["mood"] != "calm" {
		t.Errorf("extra = %v", out.Extra)
	}
	if got := StripTitleHeading(out.Body, out.Title); got != "Hello\n" {
		t.Errorf("body = %q", got)
	}
}

func TestEncode_Layout(t *testing.T) {
	data, err := Encode(&Entry{DBType: "TextNote", CreatedAt: time.Unix(0, 0), Title: "T", Body: "b"})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(string(data), "\n")
	if !json.Valid([]byte(lines[0])) {
		t.Fatalf("first line is not JSON: %q", lines[0])
	}
	want := []string{"", "# T", "", "b"}
	if strings.Join(lines[1:], "|") != strings.Join(want, "|") {
		t.Errorf("layout = %q", lines[1:])
	}
}

func TestEncode_Deterministic(t *testing.T) {
	e := &Entry{DBType: "Recipe", CreatedAt: time.Unix(10, 0), Extra: map[string]any{"b": 1, "a": 2}}
	a, _ := Encode(e)
	b, _ := Encode(e)
	if string(a) != string(b) {
		t.Fatal("encoding is not deterministic")
	}
	if !strings.HasPrefix(string(a), `{"__dbType":"Recipe","a":2,"b":1,`) {
		t.Errorf("keys not sorted: %s", a)
	}
}

func TestEncode_ReservedExtra(t *testing.T) {
	_, err := Encode(&Entry{DBType: "X", Extra: map[string]any{"created_at": "now"}})
	if err == nil {
		t.Fatal("expected collision error")
	}
}

func TestParse_NoTitleTrimsLeadingBlankLines(t *testing.T) {
	data := []byte("{\"__dbType\":\"TextNote\",\"created_at\":\"2024-01-01T00:00:00Z\"}\n\n\n\nbody text\n")
	e, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if e.Body != "body text\n" {
		t.Errorf("body = %q", e.Body)
	}
	if e.Title != "" || e.ModifiedAt != nil {
		t.Errorf("unexpected optional fields: %+v", e)
	}
}

func TestParse_ModifiedAndMillis(t *testing.T) {
	data := []byte(`{"__dbType":"TextNote","created_at":1700000000000,"modified_at":"2024-02-02T00:00:00Z","id":"abc"}`)
	e, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if e.CreatedAt.UnixMilli() != 1700000000000 {
		t.Errorf("created_at = %v", e.CreatedAt)
	}
	if e.ModifiedAt == nil || e.ModifiedAt.Year() != 2024 {
		t.Errorf("modified_at = %v", e.ModifiedAt)
	}
	if e.ID != "abc" {
		t.Errorf("id = %q", e.ID)
	}
}

func TestParse_MissingDBType(t *testing.T) {
	if _, err := Parse([]byte(`{"created_at":"2024-01-01T00:00:00Z"}`)); err == nil {
		t.Fatal("expected error")
	}
}

func TestParse_InvalidJSON(t *testing.T) {
	if _, err := Parse([]byte("{not json\nbody")); err == nil {
		t.Fatal("expected error")
	}
}

func TestParse_HeaderlessMarkdown(t *testing.T) {
	e, err := Parse([]byte("Intro line\n\n# My *Heading*\n\ntext\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !e.Headerless {
		t.Error("expected headerless")
	}
	if e.Title != "My Heading" {
		t.Errorf("title = %q", e.Title)
	}
}

func TestStripTitleHeading_NoMatch(t *testing.T) {
	if got := StripTitleHeading("# Other\nx", "Title"); got != "# Other\nx" {
		t.Errorf("got %q", got)
	}
	if got := StripTitleHeading("body", ""); got != "body" {
		t.Errorf("got %q", got)
	}
}
