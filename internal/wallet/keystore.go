package wallet

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/box"

	"github.com/starford/healthvault/internal/checksum"
	"github.com/starford/healthvault/internal/envelope"
	"github.com/starford/healthvault/internal/models"
)

// KeyFile is the on-disk form of one software wallet key.
type KeyFile struct {
	ID         string          `json:"id"`
	Address    models.Identity `json:"address"`
	PublicKey  string          `json:"public_key"`
	PrivateKey string          `json:"private_key"`
	CreatedAt  time.Time       `json:"created_at"`
}

type entry struct {
	pub  string
	priv [32]byte
}

// Keystore is a software Provider backed by a directory of JSON key files.
// It is meant for development and tests; production deployments use a
// browser or hardware wallet.
//
// The keystore decrypts for any identity it holds, on behalf of whoever
// asks. Behind the HTTP API the caller is whatever the X-Wallet-Address
// header claims, so any client that passes bearer auth can act as every
// identity in the directory and read their records.
type Keystore struct {
	dir    string
	logger *slog.Logger

	mu   sync.RWMutex
	keys map[models.Identity]entry
}

// OpenKeystore loads every key file under dir, creating dir if needed.
func OpenKeystore(dir string, logger *slog.Logger) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("wallet: create keystore dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	ks := &Keystore{dir: dir, logger: logger}
	if err := ks.Reload(); err != nil {
		return nil, err
	}
	return ks, nil
}

// Dir returns the keystore directory.
func (ks *Keystore) Dir() string { return ks.dir }

// Reload re-reads the key directory. Unreadable files are skipped with a
// warning so one bad file cannot lock every identity out.
func (ks *Keystore) Reload() error {
	matches, err := filepath.Glob(filepath.Join(ks.dir, "*.json"))
	if err != nil {
		return fmt.Errorf("wallet: list keys: %w", err)
	}
	keys := make(map[models.Identity]entry, len(matches))
	for _, p := range matches {
		kf, e, err := readKeyFile(p)
		if err != nil {
			ks.logger.Warn("wallet: skipping key file",
				slog.String("path", p),
				slog.String("error", err.Error()))
			continue
		}
		keys[kf.Address.Normalize()] = e
	}
	ks.mu.Lock()
	ks.keys = keys
	ks.mu.Unlock()
	ks.logger.Debug("wallet: keys loaded", slog.Int("count", len(keys)))
	return nil
}

func readKeyFile(path string) (KeyFile, entry, error) {
	var kf KeyFile
	data, err := os.ReadFile(path)
	if err != nil {
		return kf, entry{}, err
	}
	if err := json.Unmarshal(data, &kf); err != nil {
		return kf, entry{}, err
	}
	if !kf.Address.Valid() {
		return kf, entry{}, fmt.Errorf("malformed address %q", kf.Address)
	}
	raw, err := base64.StdEncoding.DecodeString(kf.PrivateKey)
	if err != nil || len(raw) != 32 {
		return kf, entry{}, fmt.Errorf("private key must be 32 bytes of base64")
	}
	if _, err := envelope.ParsePublicKey(kf.PublicKey); err != nil {
		return kf, entry{}, err
	}
	var e entry
	e.pub = kf.PublicKey
	copy(e.priv[:], raw)
	return kf, e, nil
}

// Identities lists the identities held, in no particular order.
func (ks *Keystore) Identities() []models.Identity {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]models.Identity, 0, len(ks.keys))
	for id := range ks.keys {
		out = append(out, id)
	}
	return out
}

func (ks *Keystore) lookup(identity models.Identity) (entry, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	e, ok := ks.keys[identity.Normalize()]
	return e, ok
}

// PublicKey implements Provider.
func (ks *Keystore) PublicKey(ctx context.Context, identity models.Identity) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e, ok := ks.lookup(identity)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownIdentity, identity.Short())
	}
	return e.pub, nil
}

// Decrypt implements Provider.
func (ks *Keystore) Decrypt(ctx context.Context, wrapped []byte, identity models.Identity) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := ks.lookup(identity)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, identity.Short())
	}
	return envelope.OpenWrapped(wrapped, &e.priv)
}

// Generate creates a new key file in dir. When address is empty one is
// derived from the public key.
func Generate(dir string, address models.Identity) (KeyFile, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyFile{}, fmt.Errorf("wallet: generate key: %w", err)
	}
	if address == "" {
		digest := checksum.Keccak256(pub[:])
		address = models.Identity("0x" + hex.EncodeToString(digest[12:]))
	}
	if !address.Valid() {
		return KeyFile{}, fmt.Errorf("wallet: malformed address %q", address)
	}
	kf := KeyFile{
		ID:         uuid.NewString(),
		Address:    address,
		PublicKey:  base64.StdEncoding.EncodeToString(pub[:]),
		PrivateKey: base64.StdEncoding.EncodeToString(priv[:]),
		CreatedAt:  time.Now().UTC(),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return KeyFile{}, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return KeyFile{}, fmt.Errorf("wallet: create keystore dir: %w", err)
	}
	path := filepath.Join(dir, kf.ID+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return KeyFile{}, fmt.Errorf("wallet: write key file: %w", err)
	}
	return kf, nil
}

// Watch reloads the keystore whenever a key file changes, until ctx is
// cancelled. Bursts of events are coalesced.
func (ks *Keystore) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(ks.dir); err != nil {
		return err
	}
	ks.logger.Info("wallet: watching keystore", slog.String("dir", ks.dir))

	var debounce *time.Timer
	var reloadCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			ks.logger.Info("wallet: watcher stopped")
			return nil

		case <-reloadCh:
			reloadCh = nil
			if err := ks.Reload(); err != nil {
				ks.logger.Error("wallet: reload failed", slog.String("error", err.Error()))
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(100 * time.Millisecond)
			} else {
				debounce.Reset(100 * time.Millisecond)
			}
			reloadCh = debounce.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			ks.logger.Error("wallet: watcher error", slog.String("error", err.Error()))
		}
	}
}

var _ Provider = (*Keystore)(nil)
