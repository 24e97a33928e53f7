// Package sweep implements the client side of the content gate: the unlock
// request protocol and the auto-unlock queue that walks gated posts one at a
// time.
package sweep

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"veilpost/pkg/domain"
)

// Namespace prefixes unlock messages so a signature produced here cannot be
// replayed against another application's endpoint.
const Namespace = "veilpost"

var (
	ErrDenied      = errors.New("sweep: access denied")
	ErrNotFound    = errors.New("sweep: post not found")
	ErrRateLimited = errors.New("sweep: rate limited")
)

// UnlockMessage is the canonical string a wallet signs to prove it initiated
// the unlock.
func UnlockMessage(namespace, postID string, timestamp int64) string {
	return fmt.Sprintf("%s:unlock:%s:%d", namespace, postID, timestamp)
}

// HashAddress derives the identity the server sees. The raw address never
// leaves the client.
func HashAddress(address string) string {
	sum := sha256.Sum256([]byte(address))
	return hex.EncodeToString(sum[:])
}

type UnlockRequest struct {
	PostID             string               `json:"postId"`
	CreatorAddress     string               `json:"creatorAddress"`
	WalletIdentityHash string               `json:"walletIdentityHash"`
	ClaimedPasses      []domain.ClaimedPass `json:"claimedPasses"`
	Timestamp          int64                `json:"timestamp"`
	Signature          string               `json:"signature,omitempty"`
}

type unlockResponse struct {
	PostID string `json:"postId"`
	Body   string `json:"body"`
}

// Gate submits unlock requests. Satisfied by *GateClient; faked in tests.
type Gate interface {
	Unlock(ctx context.Context, req UnlockRequest) (string, error)
}

type GateClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewGateClient(baseURL string, timeout time.Duration) *GateClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GateClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Unlock posts the request and returns the gated body on success.
func (g *GateClient) Unlock(ctx context.Context, req UnlockRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, "encode unlock request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/unlock", bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "create unlock request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", errors.Wrap(err, "submit unlock request")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		return "", ErrDenied
	case http.StatusNotFound:
		return "", ErrNotFound
	case http.StatusTooManyRequests:
		return "", ErrRateLimited
	default:
		return "", errors.Errorf("unlock status %d", resp.StatusCode)
	}

	var out unlockResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", errors.Wrap(err, "decode unlock response")
	}
	return out.Body, nil
}

// EncodeSignature renders wallet signature bytes for transport.
func EncodeSignature(sig []byte) string {
	if len(sig) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(sig)
}
