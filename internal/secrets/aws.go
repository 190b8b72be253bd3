package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// AWSStore fetches secrets from AWS Secrets Manager.
type AWSStore struct {
	client *secretsmanager.Client
}

// NewAWSStore creates a store using the default AWS credential chain.
func NewAWSStore(ctx context.Context) (*AWSStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &AWSStore{client: secretsmanager.NewFromConfig(cfg)}, nil
}

// GetSecret fetches the named secret's string value.
func (s *AWSStore) GetSecret(ctx context.Context, name string) (string, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &name,
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: aws secret %s", ErrSecretNotFound, name)
		}
		return "", fmt.Errorf("failed to fetch aws secret %s: %w", name, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("%w: aws secret %s has no string value", ErrSecretNotFound, name)
	}
	return *out.SecretString, nil
}
