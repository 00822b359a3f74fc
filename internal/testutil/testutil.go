// Package testutil provides shared test helpers for wiring a vault against a
// simulated ledger, a temporary blob store, keystore and cache database.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/healthvault/internal/blobstore"
	"github.com/starford/healthvault/internal/cache"
	"github.com/starford/healthvault/internal/ledger"
	"github.com/starford/healthvault/internal/vault"
	"github.com/starford/healthvault/internal/wallet"
)

// ContractAddress is where the simulated contract is deployed.
const ContractAddress = "0x5fbdb2315678afecb367f032d93f642f64180aa3"

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestDB creates a temporary cache database that is automatically cleaned up.
func TestDB(t *testing.T) *cache.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "healthvault-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := cache.Open(dbFile.Name(), cache.DefaultLimits)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestBlobs creates a temporary filesystem blob store.
func TestBlobs(t *testing.T) *blobstore.FS {
	t.Helper()
	store, err := blobstore.NewFS(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	return store
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Env is a fully wired set of collaborators for pipeline tests.
type Env struct {
	Clock  *Clock
	Sim    *ledger.Simulated
	Ledger *ledger.Client
	Blobs  *blobstore.FS
	Keys   *wallet.Keystore
	Cache  *cache.DB

	Patient  wallet.KeyFile
	Viewer   wallet.KeyFile
	Stranger wallet.KeyFile
}

// NewEnv builds an Env with three generated identities.
func NewEnv(t *testing.T) *Env {
	t.Helper()
	clock := NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	sim := ledger.NewSimulated(ContractAddress, ledger.WithClock(clock.Now))

	keyDir := filepath.Join(t.TempDir(), "keys")
	var ids [3]wallet.KeyFile
	for i := range ids {
		kf, err := wallet.Generate(keyDir, "")
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = kf
	}
	keys, err := wallet.OpenKeystore(keyDir, Logger())
	if err != nil {
		t.Fatal(err)
	}

	return &Env{
		Clock: clock,
		Sim:   sim,
		Ledger: ledger.NewClient(sim, ContractAddress,
			ledger.WithReadBackoff(time.Millisecond, 2*time.Millisecond),
			ledger.WithLogger(Logger())),
		Blobs:    TestBlobs(t),
		Keys:     keys,
		Cache:    TestDB(t),
		Patient:  ids[0],
		Viewer:   ids[1],
		Stranger: ids[2],
	}
}

// Service builds a vault over the Env. Options are applied after the
// defaults, so callers can override the recorder, clock or risk scorer.
func (e *Env) Service(opts ...vault.Option) *vault.Service {
	base := []vault.Option{
		vault.WithClock(e.Clock.Now),
		vault.WithRecorder(e.Cache),
		vault.WithLogger(Logger()),
	}
	return vault.New(e.Ledger, e.Blobs, e.Keys, append(base, opts...)...)
}
