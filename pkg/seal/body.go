package seal

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"

	"veilpost/metrics"
)

// Envelope layout: u16 big-endian wrapped-key length, wrapped key, then the
// XChaCha20-Poly1305 ciphertext with its nonce prefixed.
const envelopeHeaderLen = 2

// Sealer encrypts and decrypts gated post bodies. Each body gets a fresh data
// key; the key is wrapped by the keyring bound to the post and creator, so an
// envelope copied onto another row will not open.
type Sealer struct {
	keyring *Keyring
	cache   *DEKCache
}

func NewSealer(keyring *Keyring, cache *DEKCache) *Sealer {
	return &Sealer{keyring: keyring, cache: cache}
}

func bodyBinding(postID, creator string) Binding {
	return Binding{"post_id": postID, "creator": creator}
}

func (s *Sealer) SealBody(ctx context.Context, postID, creator string, body []byte) ([]byte, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	defer wipe(dek)

	wrapped, err := s.keyring.Wrap(ctx, dek, bodyBinding(postID, creator))
	if err != nil {
		return nil, err
	}
	if len(wrapped) > 0xffff {
		return nil, errors.New("seal: wrapped key too large")
	}

	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, envelopeHeaderLen, envelopeHeaderLen+len(wrapped)+len(nonce)+len(body)+aead.Overhead())
	binary.BigEndian.PutUint16(out[:envelopeHeaderLen], uint16(len(wrapped)))
	out = append(out, wrapped...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, body, nil)
	metrics.SealOps.WithLabelValues("seal").Inc()
	return out, nil
}

func (s *Sealer) OpenBody(ctx context.Context, postID, creator string, envelope []byte) ([]byte, error) {
	if len(envelope) < envelopeHeaderLen {
		return nil, ErrOpenFailed
	}
	wrappedLen := int(binary.BigEndian.Uint16(envelope[:envelopeHeaderLen]))
	rest := envelope[envelopeHeaderLen:]
	if len(rest) < wrappedLen {
		return nil, ErrOpenFailed
	}
	wrapped, sealed := rest[:wrappedLen], rest[wrappedLen:]

	binding := bodyBinding(postID, creator)
	var dek []byte
	var err error
	if s.cache != nil {
		dek, err = s.cache.Unwrap(ctx, wrapped, binding)
	} else {
		dek, err = s.keyring.Unwrap(ctx, wrapped, binding)
	}
	if err != nil {
		return nil, err
	}
	defer wipe(dek)

	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	ns := aead.NonceSize()
	if len(sealed) < ns {
		return nil, ErrOpenFailed
	}
	body, err := aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	metrics.SealOps.WithLabelValues("open").Inc()
	return body, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
