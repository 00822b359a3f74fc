package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/starford/healthvault/internal/apperr"
	"github.com/starford/healthvault/internal/checksum"
)

func tempStore(t *testing.T) *FS {
	t.Helper()
	s, err := NewFS(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return s
}

func TestFSPutAndGet(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	blob := []byte(`{"schema":"health-record:v1"}`)

	ptr, err := s.Put(ctx, blob)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ptr != checksum.Sum(blob) {
		t.Errorf("pointer = %s, want content digest", ptr)
	}
	got, err := s.Get(ctx, ptr)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(blob) {
		t.Errorf("got %q", got)
	}
}

func TestFSPutIsIdempotent(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	a, _ := s.Put(ctx, []byte("same"))
	b, _ := s.Put(ctx, []byte("same"))
	if a != b {
		t.Fatalf("pointers differ: %s vs %s", a, b)
	}
	entries, err := os.ReadDir(filepath.Join(s.Root(), a[:2]))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected one file, got %d", len(entries))
	}
}

func TestFSGetMissingIsUnavailable(t *testing.T) {
	s := tempStore(t)
	_, err := s.Get(context.Background(), checksum.Sum([]byte("never stored")))
	if !errors.Is(err, apperr.ErrStorageUnavailable) {
		t.Fatalf("err = %v, want storage unavailable", err)
	}
}

func TestFSRejectsMalformedPointers(t *testing.T) {
	s := tempStore(t)
	for _, ptr := range []string{"", "../../etc/passwd", "ABCDEF", "zz"} {
		if _, err := s.Get(context.Background(), ptr); !errors.Is(err, apperr.ErrInvalidInput) {
			t.Errorf("Get(%q) err = %v, want invalid input", ptr, err)
		}
	}
}

func TestFSConcurrentPuts(t *testing.T) {
	s := tempStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Put(context.Background(), []byte("racy")); err != nil {
				t.Errorf("Put: %v", err)
			}
		}()
	}
	wg.Wait()
}

// fakePinning emulates a pinning API plus read gateway.
type fakePinning struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	failGets atomic.Int32
	failPins atomic.Int32
	pins     atomic.Int32
	token    string
}

func (f *fakePinning) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /pinning/pinJSONToIPFS", func(w http.ResponseWriter, r *http.Request) {
		f.pins.Add(1)
		if f.failPins.Load() > 0 {
			f.failPins.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+f.token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req struct {
			Content json.RawMessage `json:"pinataContent"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		cid := "bafy" + checksum.Sum(req.Content)[:32]
		f.mu.Lock()
		f.blobs[cid] = req.Content
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"IpfsHash": cid, "PinSize": len(req.Content)})
	})
	mux.HandleFunc("GET /ipfs/{cid}", func(w http.ResponseWriter, r *http.Request) {
		if f.failGets.Load() > 0 {
			f.failGets.Add(-1)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		f.mu.Lock()
		blob, ok := f.blobs[r.PathValue("cid")]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(blob)
	})
	return mux
}

func newHTTPStore(t *testing.T, f *fakePinning) *HTTP {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	s, err := NewHTTP(HTTPConfig{APIURL: srv.URL, GatewayURL: srv.URL, JWT: f.token, RetryMax: 2})
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	for _, c := range []*retryablehttp.Client{s.client, s.pinner} {
		c.RetryWaitMin = 0
		c.RetryWaitMax = 0
	}
	return s
}

func TestHTTPPinAndFetch(t *testing.T) {
	f := &fakePinning{blobs: map[string][]byte{}, token: "jwt"}
	s := newHTTPStore(t, f)
	ctx := context.Background()

	blob := []byte(`{"ciphertextB64":"AAAA"}`)
	cid, err := s.Put(ctx, blob)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	f.failGets.Store(1)
	got, err := s.Get(ctx, cid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(blob) {
		t.Errorf("got %q", got)
	}
}

func TestHTTPGetExhaustsRetries(t *testing.T) {
	f := &fakePinning{blobs: map[string][]byte{}, token: "jwt"}
	s := newHTTPStore(t, f)
	f.failGets.Store(10)
	_, err := s.Get(context.Background(), "bafyunknown")
	if !errors.Is(err, apperr.ErrStorageUnavailable) {
		t.Fatalf("err = %v, want storage unavailable", err)
	}
}

func TestHTTPPinRejectedToken(t *testing.T) {
	f := &fakePinning{blobs: map[string][]byte{}, token: "right"}
	s := newHTTPStore(t, f)
	s.jwt = "wrong"
	_, err := s.Put(context.Background(), []byte(`{}`))
	if !errors.Is(err, apperr.ErrStorageUnavailable) {
		t.Fatalf("err = %v, want storage unavailable", err)
	}
}

func TestHTTPPutRequiresJSON(t *testing.T) {
	f := &fakePinning{blobs: map[string][]byte{}, token: "jwt"}
	s := newHTTPStore(t, f)
	if _, err := s.Put(context.Background(), []byte("not json")); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("err = %v", err)
	}
}

func TestHTTPPinFailureIsNotRetried(t *testing.T) {
	f := &fakePinning{blobs: map[string][]byte{}, token: "jwt"}
	s := newHTTPStore(t, f)
	f.failPins.Store(1)

	ptr, err := s.Put(context.Background(), []byte(`{"ciphertextB64":"AAAA"}`))
	if !errors.Is(err, apperr.ErrStorageUnavailable) {
		t.Fatalf("err = %v, want storage unavailable", err)
	}
	if ptr != "" {
		t.Errorf("pointer = %q, want none", ptr)
	}
	if n := f.pins.Load(); n != 1 {
		t.Errorf("pin requests = %d, want 1", n)
	}
	if len(f.blobs) != 0 {
		t.Errorf("blobs = %d, want 0", len(f.blobs))
	}
}
