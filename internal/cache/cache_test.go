package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/starford/healthvault/internal/models"
)

const (
	alice = models.Identity("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	bob   = models.Identity("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

func testDB(t *testing.T, limits Limits) *DB {
	t.Helper()
	f, err := os.CreateTemp("", "healthvault-cache-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	db, err := Open(f.Name(), limits)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSchemaCreation(t *testing.T) {
	db := testDB(t, Limits{})
	for _, table := range []string{"uploads", "views", "audit"} {
		var count int
		if err := db.conn.QueryRow(`SELECT count(*) FROM ` + table).Scan(&count); err != nil {
			t.Fatalf("%s table missing: %v", table, err)
		}
	}
}

func TestUploadsBoundedPerUploader(t *testing.T) {
	db := testDB(t, Limits{})
	ctx := context.Background()
	for i := 1; i <= 12; i++ {
		if err := db.AppendUpload(ctx, Upload{
			RecordID:       models.RecordID(i),
			Patient:        alice,
			Uploader:       alice,
			ContentPointer: fmt.Sprintf("cid-%d", i),
			CreatedAt:      time.Now(),
		}); err != nil {
			t.Fatalf("AppendUpload: %v", err)
		}
	}
	_ = db.AppendUpload(ctx, Upload{RecordID: 99, Patient: bob, Uploader: bob, ContentPointer: "cid-bob", CreatedAt: time.Now()})

	got, err := db.RecentUploads(ctx, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	if err != nil {
		t.Fatalf("RecentUploads: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("len = %d, want 10", len(got))
	}
	if got[0].RecordID != 12 || got[9].RecordID != 3 {
		t.Errorf("order = %d..%d, want 12..3", got[0].RecordID, got[9].RecordID)
	}
	bobs, _ := db.RecentUploads(ctx, bob)
	if len(bobs) != 1 {
		t.Errorf("bob uploads = %d, want 1", len(bobs))
	}
}

func TestViewsCarryNoPlaintext(t *testing.T) {
	db := testDB(t, Limits{Views: 2})
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if err := db.AppendView(ctx, View{RecordID: models.RecordID(i), Viewer: bob, Patient: alice, ContentPointer: "cid", ViewedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := db.RecentViews(ctx, bob)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].RecordID != 3 {
		t.Fatalf("views = %+v", got)
	}

	var cols int
	_ = db.conn.QueryRow(`SELECT count(*) FROM pragma_table_info('views') WHERE name IN ('record', 'plaintext', 'content')`).Scan(&cols)
	if cols != 0 {
		t.Error("views table has a content column")
	}
}

func TestAuditDedupAndTrim(t *testing.T) {
	db := testDB(t, Limits{Audit: 3})
	ctx := context.Background()
	mk := func(block uint64) models.AuditEvent {
		d := models.LedgerEvent{Kind: models.EventConsentGranted, BlockNumber: block, RecordID: 1, Values: map[string]string{"viewer": string(bob)}}
		return models.AuditEvent{Timestamp: time.Now(), Kind: d.Kind, Details: d}
	}

	if err := db.AppendAudit(ctx, []models.AuditEvent{mk(1), mk(2), mk(3)}); err != nil {
		t.Fatal(err)
	}
	if err := db.AppendAudit(ctx, []models.AuditEvent{mk(3), mk(4)}); err != nil {
		t.Fatal(err)
	}
	got, err := db.RecentAudit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Details.BlockNumber != 4 || got[2].Details.BlockNumber != 2 {
		t.Errorf("blocks = %d..%d", got[0].Details.BlockNumber, got[2].Details.BlockNumber)
	}
	if got[0].Details.Values["viewer"] != string(bob) {
		t.Errorf("values lost: %v", got[0].Details.Values)
	}
}

func TestAuditFollowsOneLedger(t *testing.T) {
	db := testDB(t, Limits{})
	ctx := context.Background()
	mk := func(ledger string, block uint64) models.AuditEvent {
		d := models.LedgerEvent{Kind: models.EventRecordAdded, BlockNumber: block, RecordID: 1}
		return models.AuditEvent{Timestamp: time.Now(), Kind: d.Kind, Ledger: ledger, Details: d}
	}

	if err := db.AppendAudit(ctx, []models.AuditEvent{mk("old", 1), mk("old", 2)}); err != nil {
		t.Fatal(err)
	}
	if err := db.AppendAudit(ctx, []models.AuditEvent{mk("new", 1)}); err != nil {
		t.Fatal(err)
	}
	got, err := db.RecentAudit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Ledger != "new" || got[0].Details.BlockNumber != 1 {
		t.Errorf("entry = %+v", got[0])
	}
}

func TestOpenRebuildsUnscopedAuditTable(t *testing.T) {
	f, err := os.CreateTemp("", "healthvault-cache-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	conn, err := sql.Open("sqlite3", f.Name())
	if err != nil {
		t.Fatal(err)
	}
	_, err = conn.Exec(`
		CREATE TABLE audit (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_key TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			block_number INTEGER NOT NULL,
			log_index INTEGER NOT NULL,
			record_id INTEGER NOT NULL,
			tx_hash TEXT NOT NULL DEFAULT '',
			event_values TEXT NOT NULL DEFAULT '{}',
			observed_at DATETIME NOT NULL
		);
		INSERT INTO audit (event_key, kind, block_number, log_index, record_id, observed_at)
		VALUES ('RecordAdded/1/0', 'RecordAdded', 1, 0, 1, CURRENT_TIMESTAMP);
	`)
	conn.Close()
	if err != nil {
		t.Fatal(err)
	}

	db, err := Open(f.Name(), Limits{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	got, err := db.RecentAudit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("unscoped rows survived: %d", len(got))
	}
	d := models.LedgerEvent{Kind: models.EventRecordAdded, BlockNumber: 1, RecordID: 1}
	if err := db.AppendAudit(context.Background(), []models.AuditEvent{{Timestamp: time.Now(), Kind: d.Kind, Ledger: "l", Details: d}}); err != nil {
		t.Fatalf("AppendAudit after rebuild: %v", err)
	}
}
