package kms

import (
	"context"
	"encoding/base64"
	"os"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

// vaultProvider wraps DEKs with the transit engine and reads the pepper
// from KV v2.
type vaultProvider struct {
	client     *vault.Client
	mountPath  string
	keyID      string
	secretPath string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	conf := vault.DefaultConfig()
	conf.Address = os.Getenv("VAULT_ADDR")
	conf.Timeout = 5 * time.Second
	client, err := vault.NewClient(conf)
	if err != nil {
		return nil, errors.Wrap(err, "vault client")
	}
	token, err := vaultToken()
	if err != nil {
		return nil, err
	}
	if token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, errors.Wrap(err, "vault health check failed")
	}
	return &vaultProvider{
		client:     client,
		mountPath:  getEnvOrDefault("VAULT_MOUNT_PATH", "transit"),
		keyID:      getEnvOrDefault("VAULT_KEY_ID", "fogbin-master"),
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/fogbin"),
	}, nil
}

// vaultToken prefers a mounted token file over VAULT_TOKEN.
func vaultToken() (string, error) {
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		raw, err := os.ReadFile(tokenFile)
		if err != nil {
			return "", errors.Wrap(err, "read VAULT_TOKEN_FILE")
		}
		return strings.TrimSpace(string(raw)), nil
	}
	return os.Getenv("VAULT_TOKEN"), nil
}

func (v *vaultProvider) Name() string { return "vault" }

// transit posts to <mount>/<op>/<key> with the paste context attached and
// returns the named string field of the response.
func (v *vaultProvider) transit(ctx context.Context, op string, data map[string]interface{}, aad []byte, field string) (string, error) {
	if len(aad) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(aad)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, v.mountPath+"/"+op+"/"+v.keyID, data)
	if err != nil {
		return "", errors.Wrap(err, "vault transit "+op)
	}
	if secret == nil {
		return "", ErrDecryptionFailed
	}
	out, ok := secret.Data[field].(string)
	if !ok {
		return "", errors.Errorf("vault: %s missing from %s response", field, op)
	}
	return out, nil
}

func (v *vaultProvider) Wrap(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	ct, err := v.transit(ctx, "encrypt", map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	}, aad, "ciphertext")
	if err != nil {
		return nil, err
	}
	return []byte(ct), nil
}

func (v *vaultProvider) Unwrap(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	pt, err := v.transit(ctx, "decrypt", map[string]interface{}{
		"ciphertext": string(ciphertext),
	}, aad, "plaintext")
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(pt)
}

func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.secretPath+"/"+key)
	if err != nil {
		return "", errors.Wrap(err, "vault read secret")
	}
	if secret == nil || secret.Data == nil {
		return "", errors.Errorf("secret not found: %s", key)
	}
	// KV v2 nests the payload under "data".
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}
