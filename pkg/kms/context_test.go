package kms_test

import (
	"context"
	"testing"
	"time"

	"fogbin/pkg/kms"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLocalKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func localAdapter(t *testing.T) *kms.Adapter {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("KMS_REQUIRE_PRIMARY", "")
	t.Setenv("KMS_LOCAL_KEY", testLocalKey)
	adapter, err := kms.NewAdapter(context.Background())
	require.NoError(t, err)
	require.Equal(t, "local", adapter.Provider())
	return adapter
}

func TestWrapKeyContextBinding(t *testing.T) {
	adapter := localAdapter(t)
	ctx := context.Background()
	key := []byte("0123456789abcdef0123456789abcdef")

	wrapped, err := adapter.WrapKey(ctx, key, kms.PasteContext("paste456"))
	require.NoError(t, err)

	t.Run("matching context", func(t *testing.T) {
		out, err := adapter.UnwrapKey(ctx, wrapped, kms.PasteContext("paste456"))
		require.NoError(t, err)
		assert.Equal(t, key, out)
	})

	t.Run("different paste id", func(t *testing.T) {
		_, err := adapter.UnwrapKey(ctx, wrapped, kms.PasteContext("paste789"))
		assert.Error(t, err)
	})

	t.Run("missing context", func(t *testing.T) {
		_, err := adapter.UnwrapKey(ctx, wrapped, nil)
		assert.Error(t, err)
	})
}

func TestEncryptionContextOrderIndependent(t *testing.T) {
	adapter := localAdapter(t)
	ctx := context.Background()
	key := []byte("k")

	wrapped, err := adapter.WrapKey(ctx, key, kms.EncryptionContext{"a": "1", "b": "2", "paste_id": "x"})
	require.NoError(t, err)
	out, err := adapter.UnwrapKey(ctx, wrapped, kms.EncryptionContext{"paste_id": "x", "b": "2", "a": "1"})
	require.NoError(t, err)
	assert.Equal(t, key, out)
}

func TestNewAdapterRequiresProvider(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("KMS_LOCAL_KEY", "")
	_, err := kms.NewAdapter(context.Background())
	assert.Error(t, err)
}

func TestNewAdapterRejectsShortLocalKey(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("KMS_LOCAL_KEY", "c2hvcnQ=")
	_, err := kms.NewAdapter(context.Background())
	assert.Error(t, err)
}

func TestSealerRoundTrip(t *testing.T) {
	adapter := localAdapter(t)
	sealer := kms.NewSealer(adapter, kms.NewKEKCache(adapter, time.Minute))
	defer sealer.Stop()
	ctx := context.Background()

	c, err := sealer.Seal(ctx, "abc12345", "hello\nworld")
	require.NoError(t, err)
	assert.NotContains(t, string(c.Sealed), "hello")
	assert.NotEmpty(t, c.WrappedDEK)

	text, err := sealer.Open(ctx, "abc12345", c)
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld", text)
}

func TestSealerBindsContentToID(t *testing.T) {
	adapter := localAdapter(t)
	sealer := kms.NewSealer(adapter, kms.NewKEKCache(adapter, time.Minute))
	defer sealer.Stop()
	ctx := context.Background()

	c, err := sealer.Seal(ctx, "abc12345", "secret")
	require.NoError(t, err)

	_, err = sealer.Open(ctx, "zzz99999", c)
	assert.Error(t, err)
}

func TestAEADTamper(t *testing.T) {
	dek, err := kms.GenerateDEK()
	require.NoError(t, err)
	ct, err := kms.AEADSeal([]byte("payload"), dek, []byte("id"))
	require.NoError(t, err)

	ct[len(ct)-1] ^= 0xff
	_, err = kms.AEADOpen(ct, dek, []byte("id"))
	assert.Error(t, err)

	_, err = kms.AEADOpen([]byte("short"), dek, nil)
	assert.Error(t, err)
}
