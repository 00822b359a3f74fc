package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/healthvault/internal/audit"
	"github.com/starford/healthvault/internal/models"
	"github.com/starford/healthvault/internal/testutil"
	"github.com/starford/healthvault/internal/vault"
)

func testServer(t *testing.T) (*Server, *testutil.Env, *audit.Aggregator) {
	t.Helper()
	env := testutil.NewEnv(t)
	agg := audit.New(env.Ledger, audit.WithLogger(testutil.Logger()))
	return New(env.Service(), agg, env.Cache), env, agg
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	var result *mcp.CallToolResult
	var err error

	switch name {
	case "get_record":
		result, err = srv.getRecord(ctx, req)
	case "check_access":
		result, err = srv.checkAccess(ctx, req)
	case "my_records":
		result, err = srv.myRecords(ctx, req)
	case "audit_log":
		result, err = srv.auditLog(ctx, req)
	case "recent_uploads":
		result, err = srv.recentUploads(ctx, req)
	case "get_consent_model":
		result, err = srv.getConsentModel(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func upload(t *testing.T, env *testutil.Env, svc *vault.Service) models.RecordID {
	t.Helper()
	res, err := svc.Upload(context.Background(), vault.UploadRequest{
		Caller:      env.Patient.Address,
		Patient:     env.Patient.Address,
		RecordLabel: "imaging",
		Payload:     json.RawMessage(`{"study":"MRI"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	return res.RecordID
}

func TestGetRecordAndAccess(t *testing.T) {
	srv, env, _ := testServer(t)
	id := upload(t, env, srv.vault)

	r := callTool(t, srv, "get_record", map[string]interface{}{"record_id": id.String()})
	if r.IsError {
		t.Fatalf("get_record: %s", resultText(r))
	}
	var meta models.RecordMeta
	if err := json.Unmarshal([]byte(resultText(r)), &meta); err != nil {
		t.Fatal(err)
	}
	if !meta.Patient.Equal(env.Patient.Address) {
		t.Errorf("patient = %s", meta.Patient)
	}
	if strings.Contains(resultText(r), "MRI") {
		t.Error("metadata leaked plaintext")
	}

	r = callTool(t, srv, "check_access", map[string]interface{}{
		"record_id": id.String(), "viewer": string(env.Viewer.Address),
	})
	if !strings.Contains(resultText(r), "cannot view") {
		t.Errorf("check_access = %q", resultText(r))
	}
	r = callTool(t, srv, "check_access", map[string]interface{}{
		"record_id": id.String(), "viewer": string(env.Patient.Address),
	})
	if !strings.Contains(resultText(r), "can view") || strings.Contains(resultText(r), "cannot") {
		t.Errorf("patient check_access = %q", resultText(r))
	}
}

func TestGetRecordErrors(t *testing.T) {
	srv, _, _ := testServer(t)

	r := callTool(t, srv, "get_record", map[string]interface{}{"record_id": "42"})
	if !r.IsError || !strings.Contains(resultText(r), "data") {
		t.Errorf("missing record = %q", resultText(r))
	}
	r = callTool(t, srv, "get_record", map[string]interface{}{})
	if !r.IsError {
		t.Error("expected error for missing record_id")
	}
	r = callTool(t, srv, "check_access", map[string]interface{}{"record_id": "1", "viewer": "bob"})
	if !r.IsError || !strings.Contains(resultText(r), "caller") {
		t.Errorf("malformed viewer = %q", resultText(r))
	}
}

func TestAuditLogAndUploads(t *testing.T) {
	srv, env, agg := testServer(t)

	r := callTool(t, srv, "audit_log", map[string]interface{}{})
	if resultText(r) != "no audit entries yet" {
		t.Errorf("empty audit = %q", resultText(r))
	}

	upload(t, env, srv.vault)
	upload(t, env, srv.vault)
	if _, err := agg.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}

	r = callTool(t, srv, "audit_log", map[string]interface{}{"limit": float64(3)})
	var entries []models.AuditEvent
	if err := json.Unmarshal([]byte(resultText(r)), &entries); err != nil {
		t.Fatalf("audit_log: %v (%s)", err, resultText(r))
	}
	if len(entries) != 3 {
		t.Errorf("entries = %d, want 3", len(entries))
	}

	r = callTool(t, srv, "recent_uploads", map[string]interface{}{"uploader": string(env.Patient.Address)})
	if !strings.Contains(resultText(r), `"record_label": "imaging"`) {
		t.Errorf("recent_uploads = %q", resultText(r))
	}
	r = callTool(t, srv, "recent_uploads", map[string]interface{}{"uploader": string(env.Viewer.Address)})
	if !strings.HasPrefix(resultText(r), "no uploads recorded") {
		t.Errorf("viewer uploads = %q", resultText(r))
	}
}

func TestMyRecords(t *testing.T) {
	srv, env, _ := testServer(t)
	id := upload(t, env, srv.vault)

	r := callTool(t, srv, "my_records", map[string]interface{}{"identity": string(env.Patient.Address)})
	var lists vault.RecordLists
	if err := json.Unmarshal([]byte(resultText(r)), &lists); err != nil {
		t.Fatal(err)
	}
	if len(lists.Patient) != 1 || lists.Patient[0] != id {
		t.Errorf("lists = %+v", lists)
	}
}

func TestConsentModel(t *testing.T) {
	srv, _, _ := testServer(t)
	r := callTool(t, srv, "get_consent_model", nil)
	if resultText(r) != ConsentModel {
		t.Error("consent model text mismatch")
	}
}
