package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/pkb/internal/chunk"
	"github.com/starford/pkb/internal/pairing"
	"github.com/starford/pkb/internal/stream"
	"github.com/starford/pkb/internal/testutil"
)

// testEnv sets up a PKB instance, its stream, and a router.
// An empty authToken means disabled mode.
func testEnv(t *testing.T, authToken string) (*testutil.Instance, http.Handler) {
	t.Helper()
	return testEnvWithSSE(t, authToken, nil)
}

func testEnvWithSSE(t *testing.T, authToken string, sseHandler http.Handler) (*testutil.Instance, http.Handler) {
	t.Helper()
	in := testutil.NewInstance(t)
	s := stream.New(in.Svc, in.Bus, in.Device.ID())
	t.Cleanup(s.Close)
	deps := Deps{
		Local:       in.Device.ID(),
		Directories: in.Svc,
		Stream:      s,
		Devices:     in.Devices,
		Pairing:     pairing.NewCoordinator(in.Devices, nil),
	}
	return in, NewRouter(deps, authToken != "", authToken, sseHandler)
}

func do(t *testing.T, router http.Handler, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createNotes(t *testing.T, router http.Handler) {
	t.Helper()
	w := do(t, router, http.MethodPost, "/directories", CreateDirectoryRequest{Name: "notes", Description: testutil.Description})
	if w.Code != http.StatusCreated {
		t.Fatalf("create directory = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestCreateAndGetDirectory(t *testing.T) {
	_, router := testEnv(t, "")
	createNotes(t, router)

	w := do(t, router, http.MethodGet, "/directories/notes", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get = %d", w.Code)
	}
	var dir Directory
	_ = json.Unmarshal(w.Body.Bytes(), &dir)
	if dir.Name != "notes" || !strings.HasPrefix(string(dir.RID), "rad:") || dir.Head == "" {
		t.Errorf("directory = %+v", dir)
	}

	w = do(t, router, http.MethodGet, "/directories", nil)
	var list DirectoryListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Directories) != 1 {
		t.Errorf("list = %+v", list)
	}
}

func TestCreateDirectory_Errors(t *testing.T) {
	_, router := testEnv(t, "")
	createNotes(t, router)

	cases := []struct {
		name string
		req  CreateDirectoryRequest
		want int
	}{
		{"duplicate", CreateDirectoryRequest{Name: "notes", Description: testutil.Description}, http.StatusConflict},
		{"reserved char", CreateDirectoryRequest{Name: "a/b", Description: testutil.Description}, http.StatusBadRequest},
		{"short description", CreateDirectoryRequest{Name: "music", Description: "short"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := do(t, router, http.MethodPost, "/directories", tc.req); w.Code != tc.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/directories", strings.NewReader("{"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad json = %d", w.Code)
	}
}

func TestGetDirectory_NotFound(t *testing.T) {
	_, router := testEnv(t, "")
	if w := do(t, router, http.MethodGet, "/directories/ghost", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing directory = %d, want 404", w.Code)
	}
}

func TestDeleteDirectory(t *testing.T) {
	_, router := testEnv(t, "")
	createNotes(t, router)
	if w := do(t, router, http.MethodDelete, "/directories/notes", nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/directories/notes", nil); w.Code != http.StatusNotFound {
		t.Errorf("after delete = %d", w.Code)
	}
}

func TestChunkLifecycle(t *testing.T) {
	_, router := testEnv(t, "")
	createNotes(t, router)

	w := do(t, router, http.MethodPost, "/directories/notes/chunks", AddChunkRequest{
		Path:  "deep/hello.js.md",
		Chunk: chunk.Wire{Kind: chunk.KindTextNote, Title: "Hello", Content: "World"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("add = %d, body = %s", w.Code, w.Body.String())
	}
	var entry StreamEntry
	_ = json.Unmarshal(w.Body.Bytes(), &entry)
	ref, err := stream.ParseURL(entry.Reference)
	if err != nil || ref.Path != "deep/hello.js.md" {
		t.Fatalf("reference = %q (%v)", entry.Reference, err)
	}

	w = do(t, router, http.MethodGet, "/directories/notes/chunks/deep/hello.js.md", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get = %d", w.Code)
	}
	var detail ChunkDetail
	_ = json.Unmarshal(w.Body.Bytes(), &detail)
	if detail.Kind != chunk.KindTextNote || detail.Chunk.Content != "World" || detail.Chunk.Title != "Hello" {
		t.Errorf("detail = %+v", detail)
	}
	if etag := w.Header().Get("ETag"); etag != `"`+detail.ID+`"` {
		t.Errorf("etag = %q", etag)
	}

	update := UpdateChunkRequest{Chunk: chunk.Wire{Kind: chunk.KindTextNote, Content: "v2"}}
	if w := do(t, router, http.MethodPut, "/directories/notes/chunks/deep/hello.js.md", update, "If-Match", "stale"); w.Code != http.StatusConflict {
		t.Errorf("stale update = %d, want 409", w.Code)
	}
	w = do(t, router, http.MethodPut, "/directories/notes/chunks/deep/hello.js.md", update, "If-Match", `"`+detail.ID+`"`)
	if w.Code != http.StatusOK {
		t.Fatalf("update = %d, body = %s", w.Code, w.Body.String())
	}
	var upd ChunkWriteResponse
	_ = json.Unmarshal(w.Body.Bytes(), &upd)
	if upd.ID == detail.ID || upd.Commit == "" {
		t.Errorf("update response = %+v", upd)
	}
	// The entry id the first update was based on is now outdated.
	if w := do(t, router, http.MethodPut, "/directories/notes/chunks/deep/hello.js.md", update, "If-Match", `"`+detail.ID+`"`); w.Code != http.StatusConflict {
		t.Errorf("outdated update = %d, want 409", w.Code)
	}

	if w := do(t, router, http.MethodDelete, "/directories/notes/chunks/deep/hello.js.md", nil); w.Code != http.StatusOK {
		t.Fatalf("remove = %d", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/directories/notes/chunks/deep/hello.js.md", nil); w.Code != http.StatusNotFound {
		t.Errorf("get removed = %d, want 404", w.Code)
	}
	w = do(t, router, http.MethodGet, "/directories/notes/chunks", nil)
	var list ChunkListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Chunks) != 0 {
		t.Errorf("chunks = %+v", list.Chunks)
	}
}

func TestAddChunk_Errors(t *testing.T) {
	_, router := testEnv(t, "")
	createNotes(t, router)

	cases := []struct {
		name string
		dir  string
		req  AddChunkRequest
		want int
	}{
		{"unknown kind", "notes", AddChunkRequest{Chunk: chunk.Wire{Kind: "Audio"}}, http.StatusBadRequest},
		{"link without url", "notes", AddChunkRequest{Chunk: chunk.Wire{Kind: chunk.KindMediaLink}}, http.StatusBadRequest},
		{"kind and extension disagree", "notes", AddChunkRequest{Path: "a.js.md", Chunk: chunk.Wire{Kind: chunk.KindMediaLink, URL: "https://x"}}, http.StatusBadRequest},
		{"missing directory", "ghost", AddChunkRequest{Chunk: chunk.Wire{Kind: chunk.KindTextNote, Content: "x"}}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := do(t, router, http.MethodPost, "/directories/"+tc.dir+"/chunks", tc.req); w.Code != tc.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
		})
	}

	body := AddChunkRequest{Path: "dup.js.md", Chunk: chunk.Wire{Kind: chunk.KindTextNote, Content: "x"}}
	if w := do(t, router, http.MethodPost, "/directories/notes/chunks", body); w.Code != http.StatusCreated {
		t.Fatalf("first add = %d", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/directories/notes/chunks", body); w.Code != http.StatusConflict {
		t.Errorf("duplicate add = %d, want 409", w.Code)
	}
}

func TestUpdateChunk_NotFound(t *testing.T) {
	_, router := testEnv(t, "")
	createNotes(t, router)
	update := UpdateChunkRequest{Chunk: chunk.Wire{Kind: chunk.KindTextNote, Content: "x"}}
	if w := do(t, router, http.MethodPut, "/directories/notes/chunks/ghost.js.md", update); w.Code != http.StatusNotFound {
		t.Errorf("update missing = %d, want 404", w.Code)
	}
}

func TestSyncDirectory(t *testing.T) {
	_, router := testEnv(t, "")
	createNotes(t, router)
	if w := do(t, router, http.MethodPost, "/directories/notes/sync", nil); w.Code != http.StatusOK {
		t.Errorf("sync = %d, body = %s", w.Code, w.Body.String())
	}
	if w := do(t, router, http.MethodPost, "/directories/ghost/sync", nil); w.Code != http.StatusNotFound {
		t.Errorf("sync missing = %d, want 404", w.Code)
	}
}

func TestSee(t *testing.T) {
	in, router := testEnv(t, "")
	ref := stream.BuildURL("🦊🦊🦊🦊🦊🦊🦊🦊", "music", "a.mln", "abc")
	w := do(t, router, http.MethodPost, "/see", SeeRequest{Reference: ref})
	if w.Code != http.StatusOK {
		t.Fatalf("see = %d", w.Code)
	}
	var entry StreamEntry
	_ = json.Unmarshal(w.Body.Bytes(), &entry)
	if entry.Reference != ref || entry.Commit != "abc" {
		t.Errorf("entry = %+v", entry)
	}
	if w := do(t, router, http.MethodPost, "/see", SeeRequest{Reference: "nope"}); w.Code != http.StatusBadRequest {
		t.Errorf("invalid reference = %d, want 400", w.Code)
	}

	w = do(t, router, http.MethodGet, "/identity", nil)
	var id IdentityResponse
	_ = json.Unmarshal(w.Body.Bytes(), &id)
	if id.NID != in.Device.ID() || id.Emoji == "" {
		t.Errorf("identity = %+v", id)
	}
}

func TestPairingFlow(t *testing.T) {
	_, router := testEnv(t, "")
	createNotes(t, router)

	w := do(t, router, http.MethodPost, "/pairing", InitiatePairingRequest{Alias: "laptop"})
	if w.Code != http.StatusCreated {
		t.Fatalf("initiate = %d", w.Code)
	}
	var pending pairing.PendingPairing
	_ = json.Unmarshal(w.Body.Bytes(), &pending)
	if pending.Token == "" {
		t.Fatal("no token")
	}

	peer := testutil.NodeID(5)
	complete := CompletePairingRequest{Token: pending.Token, NID: peer.String(), Alias: "phone"}
	if w := do(t, router, http.MethodPost, "/pairing/complete", complete); w.Code != http.StatusOK {
		t.Fatalf("complete = %d, body = %s", w.Code, w.Body.String())
	}
	if w := do(t, router, http.MethodPost, "/pairing/complete", complete); w.Code != http.StatusGone {
		t.Errorf("reused token = %d, want 410", w.Code)
	}

	if w := do(t, router, http.MethodPut, "/devices/"+peer.String()+"/directories/notes", nil); w.Code != http.StatusNoContent {
		t.Fatalf("grant = %d, body = %s", w.Code, w.Body.String())
	}
	w = do(t, router, http.MethodGet, "/devices", nil)
	var list DeviceListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Devices) != 1 || list.Devices[0].NID != peer || len(list.Devices[0].Directories) != 1 {
		t.Fatalf("devices = %+v", list.Devices)
	}

	if w := do(t, router, http.MethodDelete, "/devices/"+peer.String()+"/directories/notes", nil); w.Code != http.StatusNoContent {
		t.Errorf("revoke = %d", w.Code)
	}
	if w := do(t, router, http.MethodDelete, "/devices/"+peer.String(), nil); w.Code != http.StatusNoContent {
		t.Errorf("unpair = %d", w.Code)
	}
	w = do(t, router, http.MethodGet, "/devices", nil)
	list = DeviceListResponse{}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Devices) != 0 {
		t.Errorf("devices after unpair = %+v", list.Devices)
	}
}

func TestDevices_Errors(t *testing.T) {
	_, router := testEnv(t, "")
	createNotes(t, router)
	if w := do(t, router, http.MethodPost, "/devices", PairDeviceRequest{NID: "zz"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad nid = %d, want 400", w.Code)
	}
	stranger := testutil.NodeID(8).String()
	if w := do(t, router, http.MethodPut, "/devices/"+stranger+"/directories/notes", nil); w.Code != http.StatusForbidden {
		t.Errorf("grant to unpaired = %d, want 403", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/devices", PairDeviceRequest{NID: stranger}); w.Code != http.StatusNoContent {
		t.Fatalf("pair = %d", w.Code)
	}
	if w := do(t, router, http.MethodPut, "/devices/"+stranger+"/directories/ghost", nil); w.Code != http.StatusNotFound {
		t.Errorf("grant missing directory = %d, want 404", w.Code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	_, router := testEnv(t, "secret123")
	if w := do(t, router, http.MethodGet, "/directories", nil, "Authorization", "Bearer secret123"); w.Code != http.StatusOK {
		t.Errorf("authed list = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	_, router := testEnv(t, "secret123")
	if w := do(t, router, http.MethodGet, "/directories", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	_, router := testEnv(t, "secret123")
	if w := do(t, router, http.MethodGet, "/directories", nil, "Authorization", "Bearer wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

// SSE endpoint auth tests.

func blockingSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	})
}

func TestSSEEvents_AuthProtected(t *testing.T) {
	_, router := testEnvWithSSE(t, "secret", blockingSSE())
	if w := do(t, router, http.MethodGet, "/events", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	_, router := testEnvWithSSE(t, "tok", blockingSSE())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("SSE with valid token = %d", w.Code)
	}
}

