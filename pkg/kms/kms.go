package kms

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrDecryptionFailed    = errors.New("decryption failed")
)

// EncryptionContext is authenticated data bound to a wrapped key. Unwrapping
// with a different context fails.
type EncryptionContext map[string]string

// PasteContext binds wrapped key material to a single paste id.
func PasteContext(id string) EncryptionContext {
	return EncryptionContext{"paste_id": id}
}

type Provider interface {
	Name() string
	Wrap(ctx context.Context, plaintext, aad []byte) ([]byte, error)
	Unwrap(ctx context.Context, ciphertext, aad []byte) ([]byte, error)
	GetSecret(ctx context.Context, key string) (string, error)
}

// Adapter wraps and unwraps key material through Vault transit or AWS KMS,
// with a local AES-GCM key as fallback for development.
type Adapter struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
}

func NewAdapter(ctx context.Context) (*Adapter, error) {
	requirePrimary := strings.ToLower(os.Getenv("KMS_REQUIRE_PRIMARY")) == "true"
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
	if !requirePrimary && primary == nil {
		if envKey := os.Getenv("KMS_LOCAL_KEY"); envKey != "" {
			lp, err := newLocalProvider(envKey)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize local provider: %w", err)
			}
			fallback = lp
		}
	}
	if primary == nil && fallback == nil {
		if requirePrimary {
			return nil, fmt.Errorf("KMS_REQUIRE_PRIMARY=true but no primary provider available (checked Vault, AWS KMS)")
		}
		return nil, fmt.Errorf("no KMS providers available (checked Vault, AWS KMS, KMS_LOCAL_KEY)")
	}
	return &Adapter{
		primary:        primary,
		fallback:       fallback,
		failClosed:     os.Getenv("KMS_FAIL_CLOSED") != "false",
		requirePrimary: requirePrimary,
	}, nil
}

// NewAdapterWithProvider builds an adapter around a single provider.
func NewAdapterWithProvider(p Provider) *Adapter {
	return &Adapter{primary: p, failClosed: true}
}

// Provider returns the name of the provider that serves requests.
func (a *Adapter) Provider() string {
	if a.primary != nil {
		return a.primary.Name()
	}
	if a.fallback != nil {
		return a.fallback.Name()
	}
	return "none"
}

func (a *Adapter) WrapKey(ctx context.Context, key []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	aad := serializeEncryptionContext(encContext)
	return a.do(func(p Provider) ([]byte, error) {
		return p.Wrap(ctx, key, aad)
	}, "wrap")
}

func (a *Adapter) UnwrapKey(ctx context.Context, wrapped []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	aad := serializeEncryptionContext(encContext)
	return a.do(func(p Provider) ([]byte, error) {
		return p.Unwrap(ctx, wrapped, aad)
	}, "unwrap")
}

func (a *Adapter) do(op func(Provider) ([]byte, error), name string) ([]byte, error) {
	if a.primary != nil {
		out, err := op(a.primary)
		if err == nil {
			return out, nil
		}
		if a.requirePrimary {
			return nil, fmt.Errorf("primary KMS %s failed (KMS_REQUIRE_PRIMARY=true): %w", name, err)
		}
		if a.failClosed || a.fallback == nil {
			return nil, fmt.Errorf("kms %s failed: %w", name, err)
		}
	}
	if a.fallback != nil {
		return op(a.fallback)
	}
	return nil, ErrProviderUnavailable
}

func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	if a.primary != nil {
		val, err := a.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if a.requirePrimary {
			return "", fmt.Errorf("primary KMS GetSecret failed (KMS_REQUIRE_PRIMARY=true): %w", err)
		}
		if a.failClosed || a.fallback == nil {
			return "", fmt.Errorf("get secret failed: %w", err)
		}
	}
	if a.fallback != nil {
		return a.fallback.GetSecret(ctx, key)
	}
	return "", ErrProviderUnavailable
}

func serializeEncryptionContext(ctx EncryptionContext) []byte {
	if len(ctx) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(ctx[k])
		buf.WriteByte(';')
	}
	return buf.Bytes()
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
