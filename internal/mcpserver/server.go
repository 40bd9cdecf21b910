// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes PKB tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/pkb/internal/chunk"
	"github.com/starford/pkb/internal/merge"
	"github.com/starford/pkb/internal/pkb"
	"github.com/starford/pkb/internal/stream"
)

const formatURI = "pkb://chunk-format"

// Directories is what the tools need from the PKB service.
type Directories interface {
	CreateDirectory(ctx context.Context, in pkb.NewDirectory) (pkb.Directory, error)
	ListDirectories() []pkb.Directory
	SyncDirectory(ctx context.Context, name string) (merge.Result, error)
	ListChunks(name string) ([]pkb.ChunkInfo, error)
	ReadChunk(name, relPath string) (pkb.ChunkRecord, error)
}

// Stream is the write and witness surface.
type Stream interface {
	AddChunk(ctx context.Context, directory, relPath string, c chunk.Chunk) (stream.StreamEntry, error)
	See(reference string) (stream.StreamEntry, error)
}

// Server wraps the MCP server with PKB tools.
type Server struct {
	mcp    *server.MCPServer
	dirs   Directories
	stream Stream
}

// New creates a new MCP server with all PKB tools registered.
func New(dirs Directories, s Stream) *Server {
	srv := &Server{dirs: dirs, stream: s}

	srv.mcp = server.NewMCPServer(
		"PKB",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	srv.mcp.AddTool(mcp.NewTool("list_directories",
		mcp.WithDescription("List the directories of this PKB."),
	), srv.listDirectories)

	srv.mcp.AddTool(mcp.NewTool("create_directory",
		mcp.WithDescription("Create a directory and share it with every paired device."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Directory name (no path separators, must not start with '.')")),
		mcp.WithString("description", mcp.Required(), mcp.Description("What the directory holds (at least 16 characters)")),
		mcp.WithString("emoji", mcp.Description("Optional emoji shown next to the name")),
		mcp.WithString("color", mcp.Description("Optional display color")),
	), srv.createDirectory)

	srv.mcp.AddTool(mcp.NewTool("add_note",
		mcp.WithDescription("Add a text note to a directory. Read the format contract via "+
			"get_chunk_contract or the "+formatURI+" resource first."),
		mcp.WithString("directory", mcp.Required(), mcp.Description("Directory name")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Markdown body")),
		mcp.WithString("title", mcp.Description("Optional title")),
		mcp.WithString("path", mcp.Description("Optional path ending in .js.md; empty or ending in / generates a name")),
	), srv.addNote)

	srv.mcp.AddTool(mcp.NewTool("add_link",
		mcp.WithDescription("Add a media link to a directory."),
		mcp.WithString("directory", mcp.Required(), mcp.Description("Directory name")),
		mcp.WithString("url", mcp.Required(), mcp.Description("URL of the media")),
		mcp.WithString("title", mcp.Description("Optional title, used for the generated file name")),
		mcp.WithString("mime_type", mcp.Description("Optional MIME type")),
		mcp.WithString("path", mcp.Description("Optional path ending in .mln; empty or ending in / generates a name")),
	), srv.addLink)

	srv.mcp.AddTool(mcp.NewTool("add_data",
		mcp.WithDescription("Add a structured data entry to a directory."),
		mcp.WithString("directory", mcp.Required(), mcp.Description("Directory name")),
		mcp.WithString("db_type", mcp.Required(), mcp.Description("Type name of the entry, e.g. Recipe")),
		mcp.WithObject("data", mcp.Required(), mcp.Description("Fields of the entry; reserved header keys other than title are rejected")),
		mcp.WithString("path", mcp.Description("Optional path ending in .js.md; empty or ending in / generates a name")),
	), srv.addData)

	srv.mcp.AddTool(mcp.NewTool("list_chunks",
		mcp.WithDescription("List the live chunks of a directory."),
		mcp.WithString("directory", mcp.Required(), mcp.Description("Directory name")),
	), srv.listChunks)

	srv.mcp.AddTool(mcp.NewTool("read_chunk",
		mcp.WithDescription("Read the stored bytes of a chunk."),
		mcp.WithString("directory", mcp.Required(), mcp.Description("Directory name")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path of the chunk inside the directory")),
	), srv.readChunk)

	srv.mcp.AddTool(mcp.NewTool("sync_directory",
		mcp.WithDescription("Merge a directory with the replicas of paired devices now."),
		mcp.WithString("directory", mcp.Required(), mcp.Description("Directory name")),
	), srv.syncDirectory)

	srv.mcp.AddTool(mcp.NewTool("see",
		mcp.WithDescription("Record a pkb:// reference you came across in the stream."),
		mcp.WithString("reference", mcp.Required(), mcp.Description("pkb://<identity>/<directory>/<path>?v=<commit>")),
	), srv.see)

	srv.mcp.AddTool(mcp.NewTool("get_chunk_contract",
		mcp.WithDescription("Returns the on-disk chunk format contract."),
	), srv.getChunkContract)

	srv.mcp.AddResource(
		mcp.NewResource(formatURI, "Chunk Format Contract",
			mcp.WithResourceDescription("How notes, links and structured data are stored."),
			mcp.WithMIMEType("text/markdown"),
		),
		srv.readFormatResource,
	)

	return srv
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listDirectories(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dirs := s.dirs.ListDirectories()
	if len(dirs) == 0 {
		return mcp.NewToolResultText("no directories"), nil
	}
	return jsonResult(dirs)
}

func (s *Server) createDirectory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	desc, err := req.RequireString("description")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	dir, err := s.dirs.CreateDirectory(ctx, pkb.NewDirectory{
		Name:        name,
		Description: desc,
		Emoji:       req.GetString("emoji", ""),
		Color:       req.GetString("color", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(dir)
}

func (s *Server) addNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.add(ctx, req, chunk.TextNote{Content: content, Title: req.GetString("title", "")})
}

func (s *Server) addLink(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.add(ctx, req, chunk.MediaLink{
		URL:      url,
		Title:    req.GetString("title", ""),
		MimeType: req.GetString("mime_type", ""),
	})
}

func (s *Server) addData(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dbType, err := req.RequireString("db_type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := objectArg(req, "data")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.add(ctx, req, chunk.StructuredData{DBType: dbType, Data: data})
}

// objectArg accepts an object, or a JSON string holding one.
func objectArg(req mcp.CallToolRequest, key string) (map[string]any, error) {
	switch v := req.GetArguments()[key].(type) {
	case map[string]any:
		return v, nil
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return m, nil
	case nil:
		return nil, fmt.Errorf("required argument %q not found", key)
	}
	return nil, fmt.Errorf("argument %q must be an object", key)
}

func (s *Server) add(ctx context.Context, req mcp.CallToolRequest, c chunk.Chunk) (*mcp.CallToolResult, error) {
	dir, err := req.RequireString("directory")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entry, err := s.stream.AddChunk(ctx, dir, req.GetString("path", ""), c)
	if err != nil && entry.Reference == "" {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(entry)
}

func (s *Server) listChunks(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dir, err := req.RequireString("directory")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	chunks, err := s.dirs.ListChunks(dir)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	paths := make([]string, 0, len(chunks))
	for _, c := range chunks {
		paths = append(paths, c.Path)
	}
	if len(paths) == 0 {
		return mcp.NewToolResultText("no chunks"), nil
	}
	return mcp.NewToolResultText(strings.Join(paths, "\n")), nil
}

func (s *Server) readChunk(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dir, err := req.RequireString("directory")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.dirs.ReadChunk(dir, path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s/%s", dir, path)), nil
	}
	return mcp.NewToolResultText(string(rec.Raw)), nil
}

func (s *Server) syncDirectory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dir, err := req.RequireString("directory")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.dirs.SyncDirectory(ctx, dir)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) see(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := req.RequireString("reference")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entry, err := s.stream.See(ref)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(entry)
}

func (s *Server) getChunkContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(ChunkFormatContract), nil
}

func (s *Server) readFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      formatURI,
			MIMEType: "text/markdown",
			Text:     ChunkFormatContract,
		},
	}, nil
}
