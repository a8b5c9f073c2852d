package kms

import (
	"context"
	"encoding/base64"
	"os"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/pkg/errors"
)

// awsProvider wraps DEKs with a KMS key and reads secrets from Secrets
// Manager under an optional name prefix.
type awsProvider struct {
	kmsClient    *kms.Client
	smClient     *secretsmanager.Client
	keyID        string
	secretPrefix string
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	conf, err := config.LoadDefaultConfig(ctx, config.WithRegion(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return &awsProvider{
		kmsClient:    kms.NewFromConfig(conf),
		smClient:     secretsmanager.NewFromConfig(conf),
		keyID:        getEnvOrDefault("KMS_MASTER_KEY_ID", "alias/fogbin-master"),
		secretPrefix: getEnvOrDefault("AWS_SECRET_PREFIX", "fogbin/"),
	}, nil
}

func (a *awsProvider) Name() string { return "aws-kms" }

// encryptionContext must be identical on Encrypt and Decrypt.
func encryptionContext(aad []byte) map[string]string {
	if len(aad) == 0 {
		return nil
	}
	return map[string]string{"fogbin:paste": base64.StdEncoding.EncodeToString(aad)}
}

func (a *awsProvider) Wrap(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	out, err := a.kmsClient.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             &a.keyID,
		Plaintext:         plaintext,
		EncryptionContext: encryptionContext(aad),
	})
	if err != nil {
		return nil, errors.Wrap(err, "aws kms encrypt")
	}
	return out.CiphertextBlob, nil
}

func (a *awsProvider) Unwrap(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	out, err := a.kmsClient.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    ciphertext,
		KeyId:             &a.keyID,
		EncryptionContext: encryptionContext(aad),
	})
	if err != nil {
		return nil, errors.Wrap(err, "aws kms decrypt")
	}
	return out.Plaintext, nil
}

func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	name := a.secretPrefix + key
	out, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &name})
	if err != nil {
		return "", errors.Wrapf(err, "get secret %s", name)
	}
	if out.SecretString == nil {
		return "", errors.Errorf("secret %s is binary, not string", name)
	}
	return *out.SecretString, nil
}
