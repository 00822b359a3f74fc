// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes read-only Health Vault tools for LLM integration via stdio
// transport. No tool decrypts record content.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/healthvault/internal/apperr"
	"github.com/starford/healthvault/internal/cache"
	"github.com/starford/healthvault/internal/models"
	"github.com/starford/healthvault/internal/vault"
)

// AuditLog is the read side of the audit aggregator.
type AuditLog interface {
	Log() []models.AuditEvent
}

// Server wraps the MCP server with Health Vault tools.
type Server struct {
	mcp   *server.MCPServer
	vault *vault.Service
	audit AuditLog
	cache cache.Store
}

// New creates a new MCP server with all tools registered.
func New(v *vault.Service, log AuditLog, c cache.Store) *Server {
	s := &Server{vault: v, audit: log, cache: c}

	s.mcp = server.NewMCPServer(
		"Health Vault",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("get_record",
		mcp.WithDescription("Return the on-ledger metadata of a record: patient, uploader, content pointer, integrity hash and record type."),
		mcp.WithString("record_id", mcp.Required(), mcp.Description("Decimal record id")),
	), s.getRecord)

	s.mcp.AddTool(mcp.NewTool("check_access",
		mcp.WithDescription("Report whether a wallet currently holds a valid, unexpired consent entry for a record."),
		mcp.WithString("record_id", mcp.Required(), mcp.Description("Decimal record id")),
		mcp.WithString("viewer", mcp.Required(), mcp.Description("Viewer wallet address (0x + 40 hex)")),
	), s.checkAccess)

	s.mcp.AddTool(mcp.NewTool("my_records",
		mcp.WithDescription("List record ids where the wallet is the patient and where it was granted access."),
		mcp.WithString("identity", mcp.Required(), mcp.Description("Wallet address")),
	), s.myRecords)

	s.mcp.AddTool(mcp.NewTool("audit_log",
		mcp.WithDescription("Recent consent events (RecordAdded, ConsentGranted, ConsentRevoked, EncryptedDEKSet), newest first."),
		mcp.WithNumber("limit", mcp.Description("Maximum entries to return (default all retained)")),
	), s.auditLog)

	s.mcp.AddTool(mcp.NewTool("recent_uploads",
		mcp.WithDescription("Most recent records anchored by an uploader wallet."),
		mcp.WithString("uploader", mcp.Required(), mcp.Description("Uploader wallet address")),
	), s.recentUploads)

	s.mcp.AddTool(mcp.NewTool("get_consent_model",
		mcp.WithDescription("Returns how records, consent entries and error categories work. "+
			"Read this before interpreting access results."),
	), s.getConsentModel)

	s.mcp.AddResource(
		mcp.NewResource("healthvault://consent-model", "Consent Model",
			mcp.WithResourceDescription("How envelope-encrypted records and consent entries behave."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readConsentModelResource,
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

func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s (%s: %s)", err.Error(), apperr.PartyOf(err), apperr.Hint(err)))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func requireRecordID(req mcp.CallToolRequest) (models.RecordID, error) {
	raw, err := req.RequireString("record_id")
	if err != nil {
		return 0, apperr.Invalid("%s", err.Error())
	}
	id, err := models.ParseRecordID(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", apperr.ErrInvalidInput, err)
	}
	return id, nil
}

func requireIdentity(req mcp.CallToolRequest, name string) (models.Identity, error) {
	raw, err := req.RequireString(name)
	if err != nil {
		return "", apperr.Invalid("%s", err.Error())
	}
	id := models.Identity(raw)
	if !id.Valid() {
		return "", apperr.Invalid("%s is not an address", name)
	}
	return id, nil
}

func (s *Server) getRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireRecordID(req)
	if err != nil {
		return toolError(err), nil
	}
	meta, err := s.vault.Meta(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(meta)
}

func (s *Server) checkAccess(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireRecordID(req)
	if err != nil {
		return toolError(err), nil
	}
	viewer, err := requireIdentity(req, "viewer")
	if err != nil {
		return toolError(err), nil
	}
	ok, err := s.vault.CanView(ctx, id, viewer)
	if err != nil {
		return toolError(err), nil
	}
	if ok {
		return mcp.NewToolResultText(fmt.Sprintf("%s can view record %s", viewer.Short(), id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s cannot view record %s", viewer.Short(), id)), nil
}

func (s *Server) myRecords(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity, err := requireIdentity(req, "identity")
	if err != nil {
		return toolError(err), nil
	}
	lists, err := s.vault.MyRecords(ctx, identity)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(lists)
}

func (s *Server) auditLog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries := []models.AuditEvent{}
	if s.audit != nil {
		entries = s.audit.Log()
	}
	if limit := req.GetInt("limit", 0); limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	if len(entries) == 0 {
		return mcp.NewToolResultText("no audit entries yet"), nil
	}
	return jsonResult(entries)
}

func (s *Server) recentUploads(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	uploader, err := requireIdentity(req, "uploader")
	if err != nil {
		return toolError(err), nil
	}
	uploads, err := s.cache.RecentUploads(ctx, uploader)
	if err != nil {
		return toolError(err), nil
	}
	if len(uploads) == 0 {
		return mcp.NewToolResultText("no uploads recorded for " + uploader.Short()), nil
	}
	return jsonResult(uploads)
}

func (s *Server) getConsentModel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(ConsentModel), nil
}

func (s *Server) readConsentModelResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "healthvault://consent-model",
			MIMEType: "text/markdown",
			Text:     ConsentModel,
		},
	}, nil
}
