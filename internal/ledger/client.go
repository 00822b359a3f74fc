package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jpillora/backoff"

	"github.com/starford/healthvault/internal/apperr"
	"github.com/starford/healthvault/internal/models"
)

// Client is the typed wrapper the pipelines use. It owns the presence check
// and the retry policy for reads; writes are submitted exactly once.
//
// Mutating calls are idempotent only when resubmitted with identical
// arguments, and addRecord is not idempotent at all: the ledger assigns the
// id, so retrying after an ambiguous failure can create a duplicate record.
type Client struct {
	backend  Backend
	address  string
	logger   *slog.Logger
	attempts int
	minWait  time.Duration
	maxWait  time.Duration
	meta     *expirable.LRU[models.RecordID, models.RecordMeta]
	deployed atomic.Bool
	instance atomic.Pointer[string]
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithReadAttempts bounds how many times a read is tried.
func WithReadAttempts(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithReadBackoff sets the jittered backoff window between read attempts.
func WithReadBackoff(minWait, maxWait time.Duration) ClientOption {
	return func(c *Client) {
		c.minWait, c.maxWait = minWait, maxWait
	}
}

// WithMetaCache keeps up to size record metas for ttl. Zero size disables it.
func WithMetaCache(size int, ttl time.Duration) ClientOption {
	return func(c *Client) {
		if size <= 0 {
			c.meta = nil
			return
		}
		c.meta = expirable.NewLRU[models.RecordID, models.RecordMeta](size, nil, ttl)
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient builds a client for the contract deployed at address.
func NewClient(b Backend, address string, opts ...ClientOption) *Client {
	c := &Client{
		backend:  b,
		address:  address,
		logger:   slog.Default(),
		attempts: 3,
		minWait:  200 * time.Millisecond,
		maxWait:  2 * time.Second,
		meta:     expirable.NewLRU[models.RecordID, models.RecordMeta](256, nil, 30*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Address returns the configured contract address.
func (c *Client) Address() string { return c.address }

// EnsureDeployed verifies that the configured address hosts contract code.
// A positive answer is remembered for the life of the client.
func (c *Client) EnsureDeployed(ctx context.Context) error {
	if c.deployed.Load() {
		return nil
	}
	var code []byte
	err := c.read(ctx, "presence check", func(ctx context.Context) error {
		var err error
		code, err = c.backend.Code(ctx, c.address)
		return err
	})
	if err != nil {
		return err
	}
	if len(code) == 0 {
		return fmt.Errorf("ledger: no contract code at %s: %w", c.address, apperr.ErrContractNotDeployed)
	}
	c.deployed.Store(true)
	return nil
}

// AddRecord anchors a new record and returns the ledger-assigned id.
func (c *Client) AddRecord(ctx context.Context, from models.Identity, in AddRecordInput) (models.RecordID, error) {
	if err := requireIdentities(from, in.Patient); err != nil {
		return 0, err
	}
	if in.ContentPointer == "" || len(in.WrappedKey) == 0 {
		return 0, apperr.Invalid("content pointer and wrapped key are required")
	}
	if err := c.EnsureDeployed(ctx); err != nil {
		return 0, err
	}
	id, err := c.backend.AddRecord(ctx, from, in)
	if err != nil {
		return 0, writeErr("add record", err)
	}
	return id, nil
}

// GrantAccess stores wrappedKey as viewer's consent entry. expiresAt zero
// means no expiry; a positive value is enforced by the contract.
func (c *Client) GrantAccess(ctx context.Context, from models.Identity, id models.RecordID, viewer models.Identity, wrappedKey []byte, expiresAt uint64) error {
	if err := requireIdentities(from, viewer); err != nil {
		return err
	}
	if len(wrappedKey) == 0 {
		return apperr.Invalid("wrapped key is required")
	}
	if err := c.EnsureDeployed(ctx); err != nil {
		return err
	}
	if err := c.backend.GrantAccess(ctx, from, id, viewer, wrappedKey, expiresAt); err != nil {
		return writeErr("grant access", err)
	}
	return nil
}

// RevokeAccess clears viewer's consent entry.
func (c *Client) RevokeAccess(ctx context.Context, from models.Identity, id models.RecordID, viewer models.Identity) error {
	if err := requireIdentities(from, viewer); err != nil {
		return err
	}
	if err := c.EnsureDeployed(ctx); err != nil {
		return err
	}
	if err := c.backend.RevokeAccess(ctx, from, id, viewer); err != nil {
		return writeErr("revoke access", err)
	}
	return nil
}

// GetRecord returns the record's immutable metadata.
func (c *Client) GetRecord(ctx context.Context, id models.RecordID) (models.RecordMeta, error) {
	if err := c.EnsureDeployed(ctx); err != nil {
		return models.RecordMeta{}, err
	}
	if c.meta != nil {
		if m, ok := c.meta.Get(id); ok {
			return m, nil
		}
	}
	var meta models.RecordMeta
	err := c.read(ctx, "get record", func(ctx context.Context) error {
		var err error
		meta, err = c.backend.GetRecord(ctx, id)
		return err
	})
	if err != nil {
		return models.RecordMeta{}, err
	}
	if meta.Patient == "" {
		return models.RecordMeta{}, fmt.Errorf("ledger: record %s: %w", id, apperr.ErrNotFound)
	}
	meta.ID = id
	if c.meta != nil {
		c.meta.Add(id, meta)
	}
	return meta, nil
}

// GetEncryptedKeyFor returns the wrapped key the contract releases to caller.
// It must be called with the caller's own identity; an empty answer means
// the caller has no valid entry and is reported as apperr.ErrAccessDenied.
func (c *Client) GetEncryptedKeyFor(ctx context.Context, id models.RecordID, caller models.Identity) ([]byte, error) {
	if err := requireIdentities(caller); err != nil {
		return nil, err
	}
	if err := c.EnsureDeployed(ctx); err != nil {
		return nil, err
	}
	var wrapped []byte
	err := c.read(ctx, "get encrypted key", func(ctx context.Context) error {
		var err error
		wrapped, err = c.backend.GetEncryptedDEK(ctx, caller, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(wrapped) == 0 {
		return nil, fmt.Errorf("ledger: record %s has no key for %s: %w", id, caller.Short(), apperr.ErrAccessDenied)
	}
	return wrapped, nil
}

// CanView reports whether viewer currently holds a valid entry.
func (c *Client) CanView(ctx context.Context, id models.RecordID, viewer models.Identity) (bool, error) {
	if err := requireIdentities(viewer); err != nil {
		return false, err
	}
	if err := c.EnsureDeployed(ctx); err != nil {
		return false, err
	}
	var ok bool
	err := c.read(ctx, "can view", func(ctx context.Context) error {
		var err error
		ok, err = c.backend.CanView(ctx, id, viewer)
		return err
	})
	return ok, err
}

// MyPatientRecords lists records owned by caller.
func (c *Client) MyPatientRecords(ctx context.Context, caller models.Identity) ([]models.RecordID, error) {
	return c.listIDs(ctx, "patient records", caller, c.backend.PatientRecordIDs)
}

// MyViewerRecords lists records shared with caller.
func (c *Client) MyViewerRecords(ctx context.Context, caller models.Identity) ([]models.RecordID, error) {
	return c.listIDs(ctx, "viewer records", caller, c.backend.ViewerRecordIDs)
}

func (c *Client) listIDs(ctx context.Context, op string, caller models.Identity, fn func(context.Context, models.Identity) ([]models.RecordID, error)) ([]models.RecordID, error) {
	if err := requireIdentities(caller); err != nil {
		return nil, err
	}
	if err := c.EnsureDeployed(ctx); err != nil {
		return nil, err
	}
	var ids []models.RecordID
	err := c.read(ctx, op, func(ctx context.Context) error {
		var err error
		ids, err = fn(ctx, caller)
		return err
	})
	return ids, err
}

// Instance identifies the contract on one particular ledger: the contract
// address plus the ledger's genesis. Block numbers and event sequences are
// only comparable between reads that report the same instance. The answer
// is remembered for the life of the client.
func (c *Client) Instance(ctx context.Context) (string, error) {
	if id := c.instance.Load(); id != nil {
		return *id, nil
	}
	var genesis string
	err := c.read(ctx, "genesis", func(ctx context.Context) error {
		var err error
		genesis, err = c.backend.Genesis(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	id := strings.ToLower(c.address) + "@" + genesis
	c.instance.Store(&id)
	return id, nil
}

// LatestBlock returns the current ledger height.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.read(ctx, "block number", func(ctx context.Context) error {
		var err error
		n, err = c.backend.BlockNumber(ctx)
		return err
	})
	return n, err
}

// Events returns events of kind in [fromBlock, toBlock].
func (c *Client) Events(ctx context.Context, kind models.EventKind, fromBlock, toBlock uint64) ([]models.LedgerEvent, error) {
	if err := c.EnsureDeployed(ctx); err != nil {
		return nil, err
	}
	var out []models.LedgerEvent
	err := c.read(ctx, "past events "+string(kind), func(ctx context.Context) error {
		var err error
		out, err = c.backend.PastEvents(ctx, kind, fromBlock, toBlock)
		return err
	})
	return out, err
}

// read runs fn with jittered exponential backoff between attempts.
func (c *Client) read(ctx context.Context, op string, fn func(context.Context) error) error {
	b := &backoff.Backoff{Min: c.minWait, Max: c.maxWait, Factor: 2, Jitter: true}
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt >= c.attempts {
			break
		}
		wait := b.Duration()
		c.logger.Debug("ledger: retrying read",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return readErr(op, ctx.Err())
		case <-t.C:
		}
	}
	return readErr(op, err)
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrUnknownRecord),
		errors.Is(err, ErrNotPatient),
		errors.Is(err, ErrReverted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func readErr(op string, err error) error {
	switch {
	case errors.Is(err, ErrUnknownRecord):
		return fmt.Errorf("ledger: %s: %w", op, apperr.ErrNotFound)
	case errors.Is(err, ErrReverted):
		return fmt.Errorf("ledger: %s: %w: %w", op, apperr.ErrInvalidInput, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("ledger: %s: %w", op, err)
	}
	return fmt.Errorf("ledger: %s: %w: %w", op, apperr.ErrUpstreamTimeout, err)
}

func writeErr(op string, err error) error {
	switch {
	case errors.Is(err, ErrNotPatient):
		return fmt.Errorf("ledger: %s: %w: %w", op, apperr.ErrNotAuthorized, err)
	case errors.Is(err, ErrUnknownRecord):
		return fmt.Errorf("ledger: %s: %w", op, apperr.ErrNotFound)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("ledger: %s: %w: %w", op, apperr.ErrLedgerWriteFailed, apperr.ErrUpstreamTimeout)
	}
	return fmt.Errorf("ledger: %s: %w: %w", op, apperr.ErrLedgerWriteFailed, err)
}

func requireIdentities(ids ...models.Identity) error {
	for _, id := range ids {
		if !id.Valid() {
			return apperr.Invalid("malformed address %q", id)
		}
	}
	return nil
}
