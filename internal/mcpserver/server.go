// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes the vault to LLM clients over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/bedrock/internal/apperr"
	"github.com/starford/bedrock/internal/noteservice"
	"github.com/starford/bedrock/internal/storage"
	"github.com/starford/bedrock/internal/transaction"
)

const contractURI = "bedrock://note-format"

// Server wraps the MCP server with the vault tools.
type Server struct {
	mcp   *server.MCPServer
	svc   *noteservice.Service
	store storage.Provider
}

// New creates an MCP server with all tools registered. Notes go through svc;
// store is used for attachments only.
func New(svc *noteservice.Service, store storage.Provider) *Server {
	s := &Server{svc: svc, store: store}

	s.mcp = server.NewMCPServer(
		"bedrock",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	pathArg := mcp.WithString("path", mcp.Required(), mcp.Description("Vault-relative note path (e.g. folder/note.md)"))

	s.mcp.AddTool(mcp.NewTool("search_notes",
		mcp.WithDescription("Full-text search through note titles, bodies and tags."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of hits (default 20)")),
	), s.searchNotes)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read a note. Open documents are returned with their unsaved edits."),
		pathArg,
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("create_note",
		mcp.WithDescription("Create a new Markdown note. Read the format contract first via "+
			"get_note_contract or the "+contractURI+" resource."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path for the new note (must end with .md)")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Markdown content")),
	), s.createNote)

	s.mcp.AddTool(mcp.NewTool("update_note",
		mcp.WithDescription("Replace the content of an existing note."),
		pathArg,
		mcp.WithString("content", mcp.Required(), mcp.Description("New Markdown content")),
		mcp.WithString("checksum", mcp.Description("Checksum returned by read_note; the update fails if the note changed since")),
	), s.updateNote)

	s.mcp.AddTool(mcp.NewTool("rename_note",
		mcp.WithDescription("Move a note and rewrite every link that pointed to it."),
		mcp.WithString("old", mcp.Required(), mcp.Description("Current note path")),
		mcp.WithString("new", mcp.Required(), mcp.Description("New note path (must end with .md)")),
	), s.renameNote)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List notes, optionally filtered by tag."),
		mcp.WithString("tag", mcp.Description("Only notes carrying this tag")),
		mcp.WithNumber("limit", mcp.Description("Page size (default 100)")),
		mcp.WithNumber("offset", mcp.Description("Page offset")),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("get_metadata",
		mcp.WithDescription("Return the indexed metadata of a note: headings, tags, aliases, links, block ids."),
		pathArg,
	), s.getMetadata)

	s.mcp.AddTool(mcp.NewTool("get_backlinks",
		mcp.WithDescription("Find all notes that link to the given note."),
		pathArg,
	), s.getBacklinks)

	s.mcp.AddTool(mcp.NewTool("get_outlinks",
		mcp.WithDescription("List the notes the given note links to."),
		pathArg,
	), s.getOutlinks)

	s.mcp.AddTool(mcp.NewTool("get_unresolved",
		mcp.WithDescription("List link targets in the note that match no existing note."),
		pathArg,
	), s.getUnresolved)

	s.mcp.AddTool(mcp.NewTool("apply_changes",
		mcp.WithDescription("Open the note for editing if needed and apply a change set. "+
			"Offsets are in characters and refer to the document at version."),
		pathArg,
		mcp.WithNumber("version", mcp.Required(), mcp.Description("Document version the changes were computed against")),
		mcp.WithString("changes", mcp.Required(), mcp.Description(`JSON array of {"from":0,"to":0,"insert":"text"}`)),
		mcp.WithString("save", mcp.Description(`"true" to write the document to disk afterwards`)),
	), s.applyChanges)

	s.mcp.AddTool(mcp.NewTool("get_note_contract",
		mcp.WithDescription("Returns the canonical note format contract. "+
			"Call this before creating or updating notes."),
	), s.getNoteContract)

	s.mcp.AddTool(mcp.NewTool("upload_asset",
		mcp.WithDescription("Store an image or PDF in the vault attachments directory and return "+
			"a Markdown snippet that embeds it."),
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL or base64 data: URI")),
		mcp.WithString("filename", mcp.Description("Optional file name; derived from the URL when empty")),
	), s.uploadAsset)

	s.mcp.AddResource(
		mcp.NewResource(contractURI, "Note Format Contract",
			mcp.WithResourceDescription("Canonical Markdown note format."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readNoteFormatResource,
	)

	return s
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

// toolError turns a service error into a tool error result. Tool failures
// are reported in-band so the model can react to them.
func toolError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, apperr.ErrIndexStale):
		return mcp.NewToolResultError(err.Error() + " (retry shortly)")
	case errors.Is(err, apperr.ErrStaleVersion):
		return mcp.NewToolResultError(err.Error() + " (read the document again and recompute the changes)")
	}
	return mcp.NewToolResultError(err.Error())
}

func (s *Server) searchNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.svc.Search(ctx, query, req.GetInt("limit", 20))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(results)
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.svc.ReadNote(ctx, path)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(n)
}

func (s *Server) createNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := s.svc.CreateNote(ctx, path, []byte(content)); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created: %s", path)), nil
}

func (s *Server) updateNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.svc.UpdateNote(ctx, path, []byte(content), req.GetString("checksum", ""))
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("updated: %s (checksum %s)", path, n.Checksum)), nil
}

func (s *Server) renameNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	oldPath, err := req.RequireString("old")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	newPath, err := req.RequireString("new")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.svc.Rename(ctx, oldPath, newPath)
	if err != nil {
		if res == nil {
			return toolError(err), nil
		}
		out, _ := json.MarshalIndent(res, "", "  ")
		return mcp.NewToolResultError(err.Error() + "\n" + string(out)), nil
	}
	return jsonResult(res)
}

func (s *Server) listNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rows, total, err := s.svc.ListNotes(ctx, req.GetString("tag", ""), req.GetInt("limit", 100), req.GetInt("offset", 0))
	if err != nil {
		return toolError(err), nil
	}
	paths := make([]string, 0, len(rows))
	for _, r := range rows {
		paths = append(paths, r.Path)
	}
	if len(paths) == 0 {
		return mcp.NewToolResultText("no notes found"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s\n(%d of %d)", strings.Join(paths, "\n"), len(paths), total)), nil
}

func (s *Server) getMetadata(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	m, err := s.svc.Metadata(path)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(m)
}

// linkTool adapts a link query to a tool handler that prints one path per line.
func (s *Server) linkTool(query func(string) (*noteservice.Links, error), none string) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		l, err := query(path)
		if err != nil {
			return toolError(err), nil
		}
		text := none
		if len(l.Links) > 0 {
			text = strings.Join(l.Links, "\n")
		}
		if l.Stale {
			text += "\n(stale: an open document is being re-indexed)"
		}
		return mcp.NewToolResultText(text), nil
	}
}

func (s *Server) getBacklinks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.linkTool(s.svc.Backlinks, "no backlinks found")(ctx, req)
}

func (s *Server) getOutlinks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.linkTool(s.svc.Outlinks, "no outlinks found")(ctx, req)
}

func (s *Server) getUnresolved(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.linkTool(s.svc.Unresolved, "no unresolved links")(ctx, req)
}

func (s *Server) applyChanges(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	version, err := req.RequireInt("version")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := req.RequireString("changes")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var changes []transaction.Change
	if err := json.Unmarshal([]byte(raw), &changes); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("changes: %v", err)), nil
	}

	if _, err := s.svc.OpenDocument(path); err != nil {
		return toolError(err), nil
	}
	tx := transaction.New(uint64(version), changes...)
	tx.Origin = transaction.OriginPlugin
	doc, err := s.svc.Apply(path, tx)
	if err != nil {
		return toolError(err), nil
	}
	if req.GetString("save", "") == "true" {
		if doc, err = s.svc.SaveDocument(path); err != nil {
			return toolError(err), nil
		}
	}
	return jsonResult(doc)
}

func (s *Server) getNoteContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(NoteFormatContract), nil
}

func (s *Server) readNoteFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     NoteFormatContract,
		},
	}, nil
}
