package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// IdentityHasher re-keys client-supplied wallet identity hashes before they
// are used as rate-limit counter keys. The client already sends a one-way
// SHA-256 of its address; HMACing it again under a rotating epoch key means
// stored counters cannot be joined across epochs or linked back to a hash
// observed on the wire.
//
// Constructed once at startup and passed to consumers explicitly; there is no
// process-global instance.
type IdentityHasher struct {
	rotationInterval time.Duration
	pepper           []byte
	mu               sync.RWMutex
	currentKey       []byte
	previousKey      []byte
	currentEpoch     int64
	stopChan         chan struct{}
	stopped          bool
}

var (
	ErrHasherStopped   = errors.New("identity hasher stopped")
	ErrInvalidInterval = errors.New("rotation interval must be >= 15 minutes")
)

func NewIdentityHasher(pepper []byte, rotationInterval time.Duration) (*IdentityHasher, error) {
	if rotationInterval < 15*time.Minute {
		return nil, ErrInvalidInterval
	}
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	h := &IdentityHasher{
		rotationInterval: rotationInterval,
		pepper:           append([]byte(nil), pepper...),
		stopChan:         make(chan struct{}),
	}
	h.currentEpoch = h.getEpoch(time.Now())
	h.rotateKeys()
	go h.rotationLoop()
	return h, nil
}

// Key maps an identity hash to its storage key under the current epoch key.
func (h *IdentityHasher) Key(identityHash string) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return "", ErrHasherStopped
	}
	mac := hmac.New(sha256.New, h.currentKey)
	mac.Write([]byte(identityHash))
	return fmt.Sprintf("id-v1:%d:%s", h.currentEpoch, hex.EncodeToString(mac.Sum(nil))), nil
}

func (h *IdentityHasher) getEpoch(t time.Time) int64 {
	return t.Unix() / int64(h.rotationInterval.Seconds())
}

func (h *IdentityHasher) deriveKey(epoch int64) []byte {
	mac := hmac.New(sha256.New, h.pepper)
	fmt.Fprintf(mac, "identity-hasher-v1:%d", epoch)
	return mac.Sum(nil)
}

func (h *IdentityHasher) rotateKeys() {
	current := h.deriveKey(h.currentEpoch)
	previous := h.deriveKey(h.currentEpoch - 1)
	h.mu.Lock()
	if h.currentKey != nil {
		Wipe(h.currentKey)
	}
	if h.previousKey != nil {
		Wipe(h.previousKey)
	}
	h.currentKey = current
	h.previousKey = previous
	h.mu.Unlock()
}

func (h *IdentityHasher) rotationLoop() {
	ticker := time.NewTicker(h.rotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopChan:
			return
		case <-ticker.C:
			newEpoch := h.getEpoch(time.Now())
			h.mu.Lock()
			changed := newEpoch != h.currentEpoch
			if changed {
				h.currentEpoch = newEpoch
			}
			h.mu.Unlock()
			if changed {
				h.rotateKeys()
				Debug().Int64("epoch", newEpoch).Msg("rotated identity hasher keys")
			}
		}
	}
}

func (h *IdentityHasher) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.stopChan)
	if h.currentKey != nil {
		Wipe(h.currentKey)
		h.currentKey = nil
	}
	if h.previousKey != nil {
		Wipe(h.previousKey)
		h.previousKey = nil
	}
	Wipe(h.pepper)
	h.pepper = nil
}
