package stream

import (
	"strings"

	"github.com/starford/pkb/internal/apperr"
)

// Scheme is the reference URL scheme.
const Scheme = "pkb://"

// Reference is a parsed pkb:// URL.
type Reference struct {
	Identity  string `json:"identity"`
	Directory string `json:"directory"`
	Path      string `json:"path"`
	Commit    string `json:"commit"`
}

// String renders r as a URL.
func (r Reference) String() string {
	return BuildURL(r.Identity, r.Directory, r.Path, r.Commit)
}

// BuildURL returns pkb://<identity>/<directory>/<path>?v=<commit>.
func BuildURL(identity, directory, path, commit string) string {
	var sb strings.Builder
	sb.Grow(len(Scheme) + len(identity) + len(directory) + len(path) + len(commit) + 5)
	sb.WriteString(Scheme)
	sb.WriteString(identity)
	sb.WriteByte('/')
	sb.WriteString(directory)
	sb.WriteByte('/')
	sb.WriteString(path)
	sb.WriteString("?v=")
	sb.WriteString(commit)
	return sb.String()
}

// ParseURL is the inverse of BuildURL. Every part must be present and the
// query must be exactly one v parameter.
func ParseURL(raw string) (Reference, error) {
	rest, ok := strings.CutPrefix(raw, Scheme)
	if !ok {
		return Reference{}, apperr.Invalid("reference", "must start with "+Scheme)
	}
	location, query, ok := strings.Cut(rest, "?")
	if !ok {
		return Reference{}, apperr.Invalid("reference", "missing ?v=<commit>")
	}
	commit, ok := strings.CutPrefix(query, "v=")
	if !ok || commit == "" || strings.ContainsAny(commit, "&?=/") {
		return Reference{}, apperr.Invalid("reference", "query must be v=<commit>")
	}
	ident, tail, ok := strings.Cut(location, "/")
	if !ok || ident == "" {
		return Reference{}, apperr.Invalid("reference", "missing device identity")
	}
	dir, path, ok := strings.Cut(tail, "/")
	if !ok || dir == "" || path == "" {
		return Reference{}, apperr.Invalid("reference", "missing directory or path")
	}
	return Reference{Identity: ident, Directory: dir, Path: path, Commit: commit}, nil
}
