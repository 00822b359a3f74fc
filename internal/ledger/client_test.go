package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/starford/healthvault/internal/apperr"
	"github.com/starford/healthvault/internal/models"
)

const (
	contract = models.Identity("0xc0ffee0000000000000000000000000000000001")
	patient  = models.Identity("0xAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaa")
	viewer   = models.Identity("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	stranger = models.Identity("0xcccccccccccccccccccccccccccccccccccccccc")
)

var errFlaky = errors.New("connection reset")

func newTestClient(t *testing.T, opts ...ClientOption) (*Client, *Simulated) {
	t.Helper()
	sim := NewSimulated(string(contract))
	opts = append([]ClientOption{WithReadBackoff(time.Millisecond, 2*time.Millisecond)}, opts...)
	return NewClient(sim, string(contract), opts...), sim
}

func addRecord(t *testing.T, c *Client) models.RecordID {
	t.Helper()
	id, err := c.AddRecord(context.Background(), patient, AddRecordInput{
		Patient:        patient,
		ContentPointer: "cid-1",
		WrappedKey:     []byte("wrapped-for-patient"),
	})
	if err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	return id
}

func TestAddAndGetRecord(t *testing.T) {
	c, _ := newTestClient(t)
	id := addRecord(t, c)
	if id != 1 {
		t.Fatalf("id = %d, want 1", id)
	}
	meta, err := c.GetRecord(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if !meta.Patient.Equal(patient) || meta.ContentPointer != "cid-1" {
		t.Errorf("meta = %+v", meta)
	}
}

func TestGetRecordUnknownIsNotFound(t *testing.T) {
	c, sim := newTestClient(t)
	_, err := c.GetRecord(context.Background(), 99)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	if n := sim.Calls("GetRecord"); n != 1 {
		t.Errorf("GetRecord calls = %d, want 1 (no retry)", n)
	}
}

func TestContractNotDeployed(t *testing.T) {
	c, sim := newTestClient(t)
	sim.SetDeployed(false)
	_, err := c.GetRecord(context.Background(), 1)
	if !errors.Is(err, apperr.ErrContractNotDeployed) {
		t.Fatalf("err = %v, want contract not deployed", err)
	}
	if sim.Calls("GetRecord") != 0 {
		t.Error("metadata call made despite missing contract")
	}
}

func TestPresenceCheckIsMemoised(t *testing.T) {
	c, _ := newTestClient(t)
	id := addRecord(t, c)
	_, _ = c.CanView(context.Background(), id, viewer)
	_, _ = c.CanView(context.Background(), id, viewer)
	sim := c.backend.(*Simulated)
	if n := sim.Calls("Code"); n != 1 {
		t.Errorf("Code calls = %d, want 1", n)
	}
}

func TestInstanceDistinguishesLedgers(t *testing.T) {
	ctx := context.Background()
	c, sim := newTestClient(t)
	first, err := c.Instance(ctx)
	if err != nil {
		t.Fatalf("Instance: %v", err)
	}
	again, _ := c.Instance(ctx)
	if again != first {
		t.Errorf("instance changed between reads: %s vs %s", first, again)
	}
	if n := sim.Calls("Genesis"); n != 1 {
		t.Errorf("Genesis calls = %d, want 1", n)
	}

	fresh, _ := newTestClient(t)
	other, err := fresh.Instance(ctx)
	if err != nil {
		t.Fatalf("Instance: %v", err)
	}
	if other == first {
		t.Errorf("two ledgers at the same address share instance %s", first)
	}
}

func TestReadRetriesTransientFailure(t *testing.T) {
	c, sim := newTestClient(t, WithMetaCache(0, 0))
	id := addRecord(t, c)
	sim.FailNext("GetRecord", errFlaky)
	if _, err := c.GetRecord(context.Background(), id); err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if n := sim.Calls("GetRecord"); n != 2 {
		t.Errorf("GetRecord calls = %d, want 2", n)
	}
}

func TestReadGivesUpAfterAttempts(t *testing.T) {
	c, sim := newTestClient(t, WithReadAttempts(1))
	id := addRecord(t, c)
	sim.FailNext("CanView", errFlaky)
	_, err := c.CanView(context.Background(), id, viewer)
	if !errors.Is(err, apperr.ErrUpstreamTimeout) {
		t.Fatalf("err = %v, want upstream timeout", err)
	}
}

func TestMetaCacheServesRepeatReads(t *testing.T) {
	c, sim := newTestClient(t)
	id := addRecord(t, c)
	for i := 0; i < 3; i++ {
		if _, err := c.GetRecord(context.Background(), id); err != nil {
			t.Fatal(err)
		}
	}
	if n := sim.Calls("GetRecord"); n != 1 {
		t.Errorf("GetRecord calls = %d, want 1", n)
	}
}

func TestEncryptedKeyIsCallerScoped(t *testing.T) {
	c, _ := newTestClient(t)
	id := addRecord(t, c)
	ctx := context.Background()

	got, err := c.GetEncryptedKeyFor(ctx, id, patient)
	if err != nil || string(got) != "wrapped-for-patient" {
		t.Fatalf("patient key = %q, %v", got, err)
	}
	if _, err := c.GetEncryptedKeyFor(ctx, id, stranger); !errors.Is(err, apperr.ErrAccessDenied) {
		t.Fatalf("stranger err = %v, want access denied", err)
	}
}

func TestGrantByNonPatientIsNotAuthorized(t *testing.T) {
	c, sim := newTestClient(t)
	id := addRecord(t, c)
	err := c.GrantAccess(context.Background(), stranger, id, viewer, []byte("k"), 0)
	if !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("err = %v, want not authorized", err)
	}
	if ok, _ := sim.CanView(context.Background(), id, viewer); ok {
		t.Error("viewer gained access")
	}
}

func TestGrantExpiryAndRevoke(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sim := NewSimulated(string(contract), WithClock(func() time.Time { return now }))
	c := NewClient(sim, string(contract))
	ctx := context.Background()
	id := addRecord(t, c)

	if err := c.GrantAccess(ctx, patient, id, viewer, []byte("k"), uint64(now.Unix()+60)); err != nil {
		t.Fatalf("GrantAccess: %v", err)
	}
	if ok, _ := c.CanView(ctx, id, viewer); !ok {
		t.Fatal("viewer should have access before expiry")
	}
	ids, err := c.MyViewerRecords(ctx, viewer)
	if err != nil || len(ids) != 1 || ids[0] != id {
		t.Fatalf("viewer records = %v, %v", ids, err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := c.GetEncryptedKeyFor(ctx, id, viewer); !errors.Is(err, apperr.ErrAccessDenied) {
		t.Fatalf("expired err = %v, want access denied", err)
	}

	if err := c.GrantAccess(ctx, patient, id, viewer, []byte("k2"), 0); err != nil {
		t.Fatal(err)
	}
	if err := c.RevokeAccess(ctx, patient, id, viewer); err != nil {
		t.Fatalf("RevokeAccess: %v", err)
	}
	if ok, _ := c.CanView(ctx, id, viewer); ok {
		t.Error("viewer still has access after revoke")
	}
}

func TestWriteIsNotRetried(t *testing.T) {
	c, sim := newTestClient(t)
	id := addRecord(t, c)
	sim.FailNext("GrantAccess", errFlaky)
	err := c.GrantAccess(context.Background(), patient, id, viewer, []byte("k"), 0)
	if !errors.Is(err, apperr.ErrLedgerWriteFailed) {
		t.Fatalf("err = %v, want ledger write failed", err)
	}
	if n := sim.Calls("GrantAccess"); n != 1 {
		t.Errorf("GrantAccess calls = %d, want 1", n)
	}
}

func TestDeadlineMapsToUpstreamTimeout(t *testing.T) {
	c, sim := newTestClient(t)
	id := addRecord(t, c)
	sim.FailNext("CanView", context.DeadlineExceeded)
	_, err := c.CanView(context.Background(), id, viewer)
	if !errors.Is(err, apperr.ErrUpstreamTimeout) {
		t.Fatalf("err = %v, want upstream timeout", err)
	}
}

func TestMalformedIdentityRejected(t *testing.T) {
	c, sim := newTestClient(t)
	_, err := c.AddRecord(context.Background(), "0x123", AddRecordInput{Patient: patient, ContentPointer: "c", WrappedKey: []byte("k")})
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("err = %v, want invalid input", err)
	}
	if sim.Mutations() != 0 {
		t.Error("ledger mutated on invalid input")
	}
}

func TestEventsCarrySequence(t *testing.T) {
	c, _ := newTestClient(t)
	id := addRecord(t, c)
	ctx := context.Background()
	if err := c.GrantAccess(ctx, patient, id, viewer, []byte("k"), 0); err != nil {
		t.Fatal(err)
	}
	latest, err := c.LatestBlock(ctx)
	if err != nil || latest != 2 {
		t.Fatalf("latest = %d, %v", latest, err)
	}
	evs, err := c.Events(ctx, models.EventEncryptedDEKSet, 0, latest)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 {
		t.Fatalf("EncryptedDEKSet events = %d, want 2", len(evs))
	}
	if evs[0].BlockNumber != 1 || evs[0].LogIndex != 1 || evs[1].BlockNumber != 2 {
		t.Errorf("unexpected sequence: %+v", evs)
	}
}
