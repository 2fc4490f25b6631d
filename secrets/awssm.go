package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	smithy "github.com/aws/smithy-go"
	"github.com/google/uuid"

	"pkt.systems/keymat"
)

// ManagerAPI is the slice of the Secrets Manager client this package uses.
type ManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
}

// ManagerSource fetches role material from AWS Secrets Manager under
// <prefix>/<role>. Values may be raw PEM or base64-wrapped PEM.
type ManagerSource struct {
	Client ManagerAPI
	Prefix string
}

// NewManagerClient builds a Secrets Manager client from the default AWS
// credential chain. Region may be empty when the environment supplies one.
func NewManagerClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if strings.TrimSpace(region) != "" {
		optFns = append(optFns, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// SecretName returns the Secrets Manager name for role under prefix.
func (s ManagerSource) SecretName(role keymat.Role) string {
	return strings.TrimSuffix(s.Prefix, "/") + "/" + string(role)
}

// Fetch implements Source.
func (s ManagerSource) Fetch(ctx context.Context, role keymat.Role) ([]byte, error) {
	name := s.SecretName(role)
	out, err := s.Client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ResourceNotFoundException" {
			return nil, fmt.Errorf("material %s: secret %s does not exist: %w", role, name, err)
		}
		return nil, fmt.Errorf("material %s: fetch secret %s: %w", role, name, err)
	}
	switch {
	case out.SecretString != nil:
		return normalizePEM([]byte(*out.SecretString)), nil
	case len(out.SecretBinary) > 0:
		return normalizePEM(out.SecretBinary), nil
	default:
		return nil, fmt.Errorf("material %s: secret %s has no value", role, name)
	}
}

// UploadClientKeystore stores the base64 representation of the client
// identity store under <prefix>-client-keystore-base64, creating the secret
// on first run and rotating its value afterwards.
func UploadClientKeystore(ctx context.Context, client ManagerAPI, prefix string, store []byte) (string, error) {
	name := strings.TrimSuffix(prefix, "/") + "-client-keystore-base64"
	encoded := base64.StdEncoding.EncodeToString(store)
	_, err := client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:               aws.String(name),
		SecretString:       aws.String(encoded),
		Description:        aws.String("Base64 representation of the client identity keystore"),
		ClientRequestToken: aws.String(uuid.NewString()),
	})
	if err == nil {
		return name, nil
	}
	var exists *smtypes.ResourceExistsException
	if !errors.As(err, &exists) {
		return "", fmt.Errorf("create secret %s: %w", name, err)
	}
	_, err = client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:           aws.String(name),
		SecretString:       aws.String(encoded),
		ClientRequestToken: aws.String(uuid.NewString()),
	})
	if err != nil {
		return "", fmt.Errorf("rotate secret %s: %w", name, err)
	}
	return name, nil
}
