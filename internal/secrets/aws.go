package secrets

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// AWSIAMCredentialSource resolves a SASL credential pair from the AWS
// credential chain (environment, shared config, EC2/ECS instance role,
// ...) via aws-sdk-go-v2/config, for deployments where the memcached
// endpoint is a managed cluster (e.g. ElastiCache/MemoryDB) configured
// for IAM authentication: the resolved AWS access key ID is sent as
// the SASL username, and the secret access key as the password. This
// client never interprets the credential further (spec.md §6, "the
// client does not parse mechanism payloads") — validating an IAM
// auth token is entirely the server's concern.
type AWSIAMCredentialSource struct {
	mechanism string
	static    *aws.Credentials
}

// NewAWSIAMCredentialSource builds a source that answers Resolve only
// for the given mechanism name (the one the operator's memcached
// deployment advertises for IAM auth); any other mechanism is
// ErrMechanismNotFound.
func NewAWSIAMCredentialSource(mechanism string) *AWSIAMCredentialSource {
	return &AWSIAMCredentialSource{mechanism: mechanism}
}

// NewAWSIAMCredentialSourceWithStaticKeys builds a source pinned to an
// explicit access key pair instead of the ambient credential chain,
// for operators who provision memcached IAM auth credentials out of
// band rather than reusing the process's own AWS identity.
func NewAWSIAMCredentialSourceWithStaticKeys(mechanism, accessKeyID, secretAccessKey string) (*AWSIAMCredentialSource, error) {
	provider := credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")
	creds, err := provider.Retrieve(context.Background())
	if err != nil {
		return nil, fmt.Errorf("secrets: static AWS credentials: %w", err)
	}
	return &AWSIAMCredentialSource{mechanism: mechanism, static: &creds}, nil
}

// Resolve loads the default AWS config (respecting AWS_PROFILE,
// AWS_REGION, instance metadata, and the other sources
// config.LoadDefaultConfig chains through) and retrieves the current
// credentials from it.
func (s *AWSIAMCredentialSource) Resolve(ctx context.Context, mechanism string) (Credential, error) {
	if mechanism != s.mechanism {
		return Credential{}, ErrMechanismNotFound
	}

	if s.static != nil {
		return Credential{Username: s.static.AccessKeyID, Password: s.static.SecretAccessKey}, nil
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("secrets: load AWS config: %w", err)
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("secrets: retrieve AWS credentials: %w", err)
	}

	return Credential{Username: creds.AccessKeyID, Password: creds.SecretAccessKey}, nil
}
