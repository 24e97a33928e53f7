// Package seal protects gated post bodies at rest. Bodies are encrypted with
// a per-post data key; the data key is wrapped by a master key that lives in
// Vault or AWS KMS, with an env-supplied local key as the dev fallback.
package seal

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
)

var (
	ErrNoProvider    = errors.New("seal: no key provider available")
	ErrOpenFailed    = errors.New("seal: open failed")
	ErrNeedsPrimary  = errors.New("seal: SEAL_REQUIRE_PRIMARY is enabled, fallback refused")
	errValueNotFound = errors.New("seal: secret value not found")
)

// Binding is authenticated additional data tied to a wrapped key. Unwrapping
// with a different binding must fail.
type Binding map[string]string

// Provider wraps and unwraps data keys and serves named secrets.
type Provider interface {
	Wrap(ctx context.Context, plaintext, aad []byte) ([]byte, error)
	Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error)
	GetSecret(ctx context.Context, key string) (string, error)
}

// Keyring selects between a primary provider (Vault, then AWS) and the local
// env fallback. Fail-closed is the default: a failing primary is an error,
// not a silent downgrade.
type Keyring struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
}

// NewKeyring probes providers from the environment. VAULT_ADDR selects Vault,
// AWS_REGION selects AWS KMS, SEAL_LOCAL_KEY enables the dev fallback.
func NewKeyring(ctx context.Context) (*Keyring, error) {
	requirePrimary := strings.ToLower(os.Getenv("SEAL_REQUIRE_PRIMARY")) == "true"

	var primary, fallback Provider
	if os.Getenv("VAULT_ADDR") != "" {
		if vp, err := newVaultProvider(ctx); err == nil {
			primary = vp
		}
	}
	if primary == nil && os.Getenv("AWS_REGION") != "" {
		if ap, err := newAWSProvider(ctx); err == nil {
			primary = ap
		}
	}
	if !requirePrimary {
		if key := os.Getenv("SEAL_LOCAL_KEY"); key != "" {
			lp, err := newLocalProvider(key)
			if err != nil {
				return nil, fmt.Errorf("seal: local provider: %w", err)
			}
			fallback = lp
		}
	}
	if primary == nil && fallback == nil {
		if requirePrimary {
			return nil, fmt.Errorf("seal: SEAL_REQUIRE_PRIMARY=true but neither Vault nor AWS KMS is reachable")
		}
		return nil, ErrNoProvider
	}
	return &Keyring{
		primary:        primary,
		fallback:       fallback,
		failClosed:     os.Getenv("SEAL_FAIL_CLOSED") != "false",
		requirePrimary: requirePrimary,
	}, nil
}

func (k *Keyring) Wrap(ctx context.Context, plaintext []byte, binding Binding) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	aad := binding.serialize()
	if k.primary != nil {
		wrapped, err := k.primary.Wrap(ctx, plaintext, aad)
		if err == nil {
			return wrapped, nil
		}
		if k.requirePrimary {
			return nil, fmt.Errorf("seal: primary wrap failed: %w", err)
		}
		if k.failClosed {
			return nil, fmt.Errorf("seal: wrap failed (fail-closed): %w", err)
		}
	}
	if k.fallback != nil {
		return k.fallback.Wrap(ctx, plaintext, aad)
	}
	return nil, ErrNoProvider
}

func (k *Keyring) Unwrap(ctx context.Context, wrapped []byte, binding Binding) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	aad := binding.serialize()
	if k.primary != nil {
		plaintext, err := k.primary.Unwrap(ctx, wrapped, aad)
		if err == nil {
			return plaintext, nil
		}
		if k.requirePrimary {
			return nil, fmt.Errorf("seal: primary unwrap failed: %w", err)
		}
		if k.failClosed {
			return nil, fmt.Errorf("seal: unwrap failed (fail-closed): %w", err)
		}
	}
	if k.fallback != nil {
		return k.fallback.Unwrap(ctx, wrapped, aad)
	}
	return nil, ErrNoProvider
}

// GetSecret fetches a named secret, e.g. the identity-hasher pepper.
func (k *Keyring) GetSecret(ctx context.Context, key string) (string, error) {
	if k.primary != nil {
		val, err := k.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if k.requirePrimary {
			return "", fmt.Errorf("seal: primary GetSecret failed: %w", err)
		}
		if k.failClosed {
			return "", fmt.Errorf("seal: get secret failed (fail-closed): %w", err)
		}
	}
	if k.fallback != nil {
		return k.fallback.GetSecret(ctx, key)
	}
	return "", ErrNoProvider
}

// serialize renders the binding deterministically so both sides of a
// wrap/unwrap pair compute identical AAD.
func (b Binding) serialize() []byte {
	if len(b) == 0 {
		return nil
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(b[k])
		sb.WriteByte(';')
	}
	return []byte(sb.String())
}

type vaultProvider struct {
	client     *vault.Client
	mountPath  string
	keyID      string
	secretPath string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = os.Getenv("VAULT_ADDR")
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		raw, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("read VAULT_TOKEN_FILE: %w", err)
		}
		client.SetToken(strings.TrimSpace(string(raw)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, fmt.Errorf("vault health check: %w", err)
	}
	return &vaultProvider{
		client:     client,
		mountPath:  envOr("VAULT_MOUNT_PATH", "transit"),
		keyID:      envOr("VAULT_KEY_ID", "veilpost-master"),
		secretPath: envOr("VAULT_SECRET_PATH", "secret/data/veilpost"),
	}, nil
}

func (v *vaultProvider) Wrap(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	path := fmt.Sprintf("%s/encrypt/%s", v.mountPath, v.keyID)
	data := map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	}
	if len(aad) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(aad)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, err
	}
	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, errors.New("vault: ciphertext missing from response")
	}
	return []byte(ciphertext), nil
}

func (v *vaultProvider) Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
	path := fmt.Sprintf("%s/decrypt/%s", v.mountPath, v.keyID)
	data := map[string]interface{}{
		"ciphertext": string(wrapped),
	}
	if len(aad) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(aad)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, err
	}
	plainB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, errors.New("vault: plaintext missing from response")
	}
	return base64.StdEncoding.DecodeString(plainB64)
}

func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.secretPath+"/"+key)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("seal: secret not found: %s", key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: unexpected secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errValueNotFound
	}
	return value, nil
}

type awsProvider struct {
	kmsClient *kms.Client
	smClient  *secretsmanager.Client
	keyID     string
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		kmsClient: kms.NewFromConfig(cfg),
		smClient:  secretsmanager.NewFromConfig(cfg),
		keyID:     envOr("SEAL_MASTER_KEY_ID", "alias/veilpost-master"),
	}, nil
}

func (a *awsProvider) Wrap(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	input := &kms.EncryptInput{KeyId: &a.keyID, Plaintext: plaintext}
	if len(aad) > 0 {
		input.EncryptionContext = map[string]string{
			"binding": base64.StdEncoding.EncodeToString(aad),
		}
	}
	out, err := a.kmsClient.Encrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("aws kms encrypt: %w", err)
	}
	return out.CiphertextBlob, nil
}

func (a *awsProvider) Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
	input := &kms.DecryptInput{CiphertextBlob: wrapped}
	if len(aad) > 0 {
		input.EncryptionContext = map[string]string{
			"binding": base64.StdEncoding.EncodeToString(aad),
		}
	}
	out, err := a.kmsClient.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("aws kms decrypt: %w", err)
	}
	return out.Plaintext, nil
}

func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	out, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &key})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", key, err)
	}
	if out.SecretString == nil {
		return "", errors.New("seal: secret is binary, expected string")
	}
	return *out.SecretString, nil
}

// localProvider is the dev fallback: AES-GCM under a 32-byte key taken from
// SEAL_LOCAL_KEY, secrets read straight from the environment.
type localProvider struct {
	aead cipher.AEAD
}

func newLocalProvider(key string) (*localProvider, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("SEAL_LOCAL_KEY must be base64: %w", err)
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("SEAL_LOCAL_KEY must decode to 32 bytes, got %d", len(decoded))
	}
	block, err := aes.NewCipher(decoded)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &localProvider{aead: aead}, nil
}

func (l *localProvider) Wrap(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	nonce := make([]byte, l.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return l.aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (l *localProvider) Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	ns := l.aead.NonceSize()
	if len(wrapped) < ns {
		return nil, ErrOpenFailed
	}
	plaintext, err := l.aead.Open(nil, wrapped[:ns], wrapped[ns:], aad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

func (l *localProvider) GetSecret(ctx context.Context, key string) (string, error) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("seal: secret not found: %s", key)
	}
	return val, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
