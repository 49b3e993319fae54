package confidential

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/obscura-network/sip/internal/httputil"
)

// RealBackend calls a remote confidential compute service over HTTP. All
// payloads travel base64-encoded in JSON envelopes.
type RealBackend struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

var _ Backend = (*RealBackend)(nil)

// NewRealBackend creates a backend for the given service endpoint.
func NewRealBackend(endpoint, apiKey string) (*RealBackend, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("backend endpoint required")
	}
	return &RealBackend{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   httputil.NewClient(httputil.DefaultTimeout),
	}, nil
}

func (b *RealBackend) Name() string { return "real" }

func (b *RealBackend) call(ctx context.Context, path string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("confidential backend: %w", err)
	}
	return httputil.DecodeResponse(resp, result)
}

type payloadEnvelope struct {
	Payload string `json:"payload"`
}

func (b *RealBackend) roundTrip(ctx context.Context, path string, data []byte) ([]byte, error) {
	var out payloadEnvelope
	if err := b.call(ctx, path, payloadEnvelope{Payload: base64.StdEncoding.EncodeToString(data)}, &out); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(out.Payload)
}

func (b *RealBackend) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	return b.roundTrip(ctx, "/encrypt", plaintext)
}

func (b *RealBackend) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return b.roundTrip(ctx, "/decrypt", ciphertext)
}

func (b *RealBackend) RunAuction(ctx context.Context, encryptedBids [][]byte) (int, error) {
	if len(encryptedBids) == 0 {
		return 0, ErrNoBids
	}

	bids := make([]string, len(encryptedBids))
	for i, bid := range encryptedBids {
		bids[i] = base64.StdEncoding.EncodeToString(bid)
	}

	var out struct {
		Winner int `json:"winner"`
	}
	if err := b.call(ctx, "/auction", map[string]any{"bids": bids}, &out); err != nil {
		return 0, err
	}
	if out.Winner < 0 || out.Winner >= len(encryptedBids) {
		return 0, fmt.Errorf("backend returned winner %d out of range", out.Winner)
	}
	return out.Winner, nil
}

func (b *RealBackend) Seal(ctx context.Context, data []byte) ([]byte, error) {
	return b.roundTrip(ctx, "/seal", data)
}

func (b *RealBackend) Unseal(ctx context.Context, sealed []byte) ([]byte, error) {
	return b.roundTrip(ctx, "/unseal", sealed)
}
