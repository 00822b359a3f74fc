package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/healthvault/internal/models"
)

// contractCode is what Code reports for a deployed simulated contract.
var contractCode = []byte{0x60, 0x80, 0x60, 0x40, 0x52}

type simRecord struct {
	meta    models.RecordMeta
	consent map[models.Identity]models.ConsentEntry
}

// Simulated is an in-process emulation of the consent contract. Every
// mutating call mines one block; events carry block number and log index.
// It backs the development server and the tests.
type Simulated struct {
	mu       sync.Mutex
	address  string
	genesis  string
	deployed bool
	now      func() time.Time

	block   uint64
	nextID  models.RecordID
	records map[models.RecordID]*simRecord
	events  []models.LedgerEvent

	calls    map[string]int
	failNext map[string]error
}

// SimulatedOption configures a Simulated backend.
type SimulatedOption func(*Simulated)

// WithClock overrides the time source used for expiry and createdAt.
func WithClock(now func() time.Time) SimulatedOption {
	return func(s *Simulated) { s.now = now }
}

// NewSimulated deploys a simulated contract at address.
func NewSimulated(address string, opts ...SimulatedOption) *Simulated {
	s := &Simulated{
		address:  address,
		genesis:  hashHex(uuid.NewString()),
		deployed: true,
		now:      time.Now,
		nextID:   1,
		records:  make(map[models.RecordID]*simRecord),
		calls:    make(map[string]int),
		failNext: make(map[string]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetDeployed toggles whether Code reports contract code.
func (s *Simulated) SetDeployed(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployed = v
}

// FailNext makes the next call of method return err.
func (s *Simulated) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[method] = err
}

// Calls returns how many times method was invoked.
func (s *Simulated) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Mutations returns the total number of mutating calls received.
func (s *Simulated) Mutations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls["AddRecord"] + s.calls["GrantAccess"] + s.calls["RevokeAccess"]
}

// enter records a call and returns any injected or context error.
// Caller must hold s.mu.
func (s *Simulated) enter(ctx context.Context, method string) error {
	s.calls[method]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if err, ok := s.failNext[method]; ok {
		delete(s.failNext, method)
		return err
	}
	return nil
}

func (s *Simulated) Code(ctx context.Context, address string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "Code"); err != nil {
		return nil, err
	}
	if !s.deployed || address != s.address {
		return nil, nil
	}
	return append([]byte(nil), contractCode...), nil
}

func (s *Simulated) BlockNumber(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "BlockNumber"); err != nil {
		return 0, err
	}
	return s.block, nil
}

// Genesis returns a hash chosen when the simulated contract was created.
func (s *Simulated) Genesis(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "Genesis"); err != nil {
		return "", err
	}
	return s.genesis, nil
}

func (s *Simulated) AddRecord(ctx context.Context, from models.Identity, in AddRecordInput) (models.RecordID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "AddRecord"); err != nil {
		return 0, err
	}
	if len(in.WrappedKey) == 0 {
		return 0, fmt.Errorf("%w: empty key for patient", ErrReverted)
	}

	id := s.nextID
	s.nextID++
	patient := in.Patient.Normalize()
	rec := &simRecord{
		meta: models.RecordMeta{
			ID:             id,
			Patient:        patient,
			Uploader:       from.Normalize(),
			ContentPointer: in.ContentPointer,
			IntegrityHash:  in.IntegrityHash,
			RecordType:     in.RecordType,
			CreatedAt:      s.now().UTC().Truncate(time.Second),
		},
		consent: map[models.Identity]models.ConsentEntry{
			patient: {RecordID: id, Viewer: patient, WrappedKey: clone(in.WrappedKey)},
		},
	}
	s.records[id] = rec

	tx := s.mine()
	s.emit(tx, models.EventRecordAdded, id, map[string]string{
		"patient":    string(patient),
		"uploader":   string(from.Normalize()),
		"cid":        in.ContentPointer,
		"dataHash":   in.IntegrityHash.Hex(),
		"recordType": in.RecordType.Hex(),
	})
	s.emit(tx, models.EventEncryptedDEKSet, id, map[string]string{"viewer": string(patient)})
	return id, nil
}

func (s *Simulated) GrantAccess(ctx context.Context, from models.Identity, id models.RecordID, viewer models.Identity, wrappedKey []byte, expiresAt uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "GrantAccess"); err != nil {
		return err
	}
	rec, ok := s.records[id]
	if !ok {
		return ErrUnknownRecord
	}
	if !rec.meta.Patient.Equal(from) {
		return ErrNotPatient
	}
	if len(wrappedKey) == 0 {
		return fmt.Errorf("%w: empty key for viewer", ErrReverted)
	}
	v := viewer.Normalize()
	rec.consent[v] = models.ConsentEntry{RecordID: id, Viewer: v, WrappedKey: clone(wrappedKey), ExpiresAt: expiresAt}

	tx := s.mine()
	s.emit(tx, models.EventConsentGranted, id, map[string]string{
		"patient":   string(rec.meta.Patient),
		"viewer":    string(v),
		"expiresAt": fmt.Sprintf("%d", expiresAt),
	})
	s.emit(tx, models.EventEncryptedDEKSet, id, map[string]string{"viewer": string(v)})
	return nil
}

func (s *Simulated) RevokeAccess(ctx context.Context, from models.Identity, id models.RecordID, viewer models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "RevokeAccess"); err != nil {
		return err
	}
	rec, ok := s.records[id]
	if !ok {
		return ErrUnknownRecord
	}
	if !rec.meta.Patient.Equal(from) {
		return ErrNotPatient
	}
	v := viewer.Normalize()
	if v == rec.meta.Patient {
		return fmt.Errorf("%w: patient entry cannot be revoked", ErrReverted)
	}
	delete(rec.consent, v)

	tx := s.mine()
	s.emit(tx, models.EventConsentRevoked, id, map[string]string{
		"patient": string(rec.meta.Patient),
		"viewer":  string(v),
	})
	return nil
}

func (s *Simulated) GetRecord(ctx context.Context, id models.RecordID) (models.RecordMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "GetRecord"); err != nil {
		return models.RecordMeta{}, err
	}
	rec, ok := s.records[id]
	if !ok {
		return models.RecordMeta{}, ErrUnknownRecord
	}
	return rec.meta, nil
}

func (s *Simulated) GetEncryptedDEK(ctx context.Context, from models.Identity, id models.RecordID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "GetEncryptedDEK"); err != nil {
		return nil, err
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrUnknownRecord
	}
	entry, ok := rec.consent[from.Normalize()]
	if !ok || !entry.Active(s.now().Unix()) {
		return nil, nil
	}
	return clone(entry.WrappedKey), nil
}

func (s *Simulated) CanView(ctx context.Context, id models.RecordID, viewer models.Identity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "CanView"); err != nil {
		return false, err
	}
	rec, ok := s.records[id]
	if !ok {
		return false, ErrUnknownRecord
	}
	entry, ok := rec.consent[viewer.Normalize()]
	return ok && entry.Active(s.now().Unix()), nil
}

func (s *Simulated) PatientRecordIDs(ctx context.Context, from models.Identity) ([]models.RecordID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "PatientRecordIDs"); err != nil {
		return nil, err
	}
	var ids []models.RecordID
	for id, rec := range s.records {
		if rec.meta.Patient.Equal(from) {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids, nil
}

func (s *Simulated) ViewerRecordIDs(ctx context.Context, from models.Identity) ([]models.RecordID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "ViewerRecordIDs"); err != nil {
		return nil, err
	}
	now := s.now().Unix()
	var ids []models.RecordID
	for id, rec := range s.records {
		if rec.meta.Patient.Equal(from) {
			continue
		}
		if entry, ok := rec.consent[from.Normalize()]; ok && entry.Active(now) {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids, nil
}

func (s *Simulated) PastEvents(ctx context.Context, kind models.EventKind, fromBlock, toBlock uint64) ([]models.LedgerEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "PastEvents"); err != nil {
		return nil, err
	}
	var out []models.LedgerEvent
	for _, ev := range s.events {
		if ev.Kind == kind && ev.BlockNumber >= fromBlock && ev.BlockNumber <= toBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

// mine advances one block and returns a synthetic transaction hash.
func (s *Simulated) mine() string {
	s.block++
	return hashHex(fmt.Sprintf("%s/%s/%d", s.genesis, s.address, s.block))
}

func hashHex(v string) string {
	sum := sha256.Sum256([]byte(v))
	return "0x" + hex.EncodeToString(sum[:])
}

func (s *Simulated) emit(tx string, kind models.EventKind, id models.RecordID, values map[string]string) {
	var idx uint32
	for i := len(s.events) - 1; i >= 0 && s.events[i].BlockNumber == s.block; i-- {
		idx++
	}
	s.events = append(s.events, models.LedgerEvent{
		Kind:        kind,
		BlockNumber: s.block,
		LogIndex:    idx,
		TxHash:      tx,
		RecordID:    id,
		Values:      values,
	})
}

func sortIDs(ids []models.RecordID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

var _ Backend = (*Simulated)(nil)
