package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/starford/healthvault/internal/apperr"
)

// maxBlobSize bounds gateway responses.
const maxBlobSize = 16 << 20

// HTTPConfig configures a pinning-service backed store.
type HTTPConfig struct {
	APIURL     string        // e.g. https://api.pinata.cloud
	GatewayURL string        // e.g. https://gateway.pinata.cloud
	JWT        string        // bearer token for the pinning API
	RetryMax   int           // gateway read retries; pins are never retried
	Timeout    time.Duration // per-request timeout
	Logger     *slog.Logger
}

// HTTP implements Store over a JSON pinning API and an IPFS-style read
// gateway. Pointers are whatever the pinning service returns (a CID).
type HTTP struct {
	api     string
	gateway string
	jwt     string
	client  *retryablehttp.Client // gateway reads
	pinner  *retryablehttp.Client // pin submissions, single attempt
}

// NewHTTP builds a gateway store.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if _, err := url.ParseRequestURI(cfg.APIURL); err != nil {
		return nil, fmt.Errorf("blobstore: api url: %w", err)
	}
	if _, err := url.ParseRequestURI(cfg.GatewayURL); err != nil {
		return nil, fmt.Errorf("blobstore: gateway url: %w", err)
	}
	return &HTTP{
		api:     strings.TrimRight(cfg.APIURL, "/"),
		gateway: strings.TrimRight(cfg.GatewayURL, "/"),
		jwt:     cfg.JWT,
		client:  newClient(cfg, cfg.RetryMax),
		pinner:  newClient(cfg, 0),
	}, nil
}

func newClient(cfg HTTPConfig, retryMax int) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.RetryMax = retryMax
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}
	client.Logger = nil
	if cfg.Logger != nil {
		client.Logger = cfg.Logger
	}
	return client
}

type pinRequest struct {
	Content json.RawMessage `json:"pinataContent"`
}

type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
}

// Put pins blob in a single attempt. Blobs must be JSON objects. A failed
// pin is reported as storage unavailable and left to the caller.
func (h *HTTP) Put(ctx context.Context, blob []byte) (string, error) {
	if !json.Valid(blob) {
		return "", apperr.Invalid("blob is not JSON")
	}
	body, err := json.Marshal(pinRequest{Content: blob})
	if err != nil {
		return "", fmt.Errorf("blobstore: encode pin request: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, h.api+"/pinning/pinJSONToIPFS", body)
	if err != nil {
		return "", fmt.Errorf("blobstore: build pin request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.jwt != "" {
		req.Header.Set("Authorization", "Bearer "+h.jwt)
	}

	resp, err := h.pinner.Do(req)
	if err != nil {
		return "", unavailable("pin", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("blobstore: pin: %w: status %d", apperr.ErrStorageUnavailable, resp.StatusCode)
	}
	var out pinResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil || out.IpfsHash == "" {
		return "", fmt.Errorf("blobstore: pin: %w: malformed response", apperr.ErrStorageUnavailable)
	}
	return out.IpfsHash, nil
}

// Get fetches pointer from the gateway, retrying transient failures.
func (h *HTTP) Get(ctx context.Context, pointer string) ([]byte, error) {
	if pointer == "" || strings.ContainsAny(pointer, "/?#") {
		return nil, apperr.Invalid("malformed content pointer %q", pointer)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, h.gateway+"/ipfs/"+url.PathEscape(pointer), nil)
	if err != nil {
		return nil, fmt.Errorf("blobstore: build get request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, unavailable("get "+pointer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blobstore: get %s: %w: status %d", pointer, apperr.ErrStorageUnavailable, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobSize+1))
	if err != nil {
		return nil, unavailable("get "+pointer, err)
	}
	if len(data) > maxBlobSize {
		return nil, fmt.Errorf("blobstore: get %s: %w: blob exceeds %d bytes", pointer, apperr.ErrStorageUnavailable, maxBlobSize)
	}
	return data, nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("blobstore: %s: %w: %w", op, apperr.ErrStorageUnavailable, apperr.ErrUpstreamTimeout)
	}
	return fmt.Errorf("blobstore: %s: %w: %w", op, apperr.ErrStorageUnavailable, err)
}

var _ Store = (*HTTP)(nil)
