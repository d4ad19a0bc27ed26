package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// StaticFetcher returns a fixed value regardless of name; intended for
// tests.
type StaticFetcher struct {
	Value   []byte
	Version string
}

func (f StaticFetcher) Fetch(ctx context.Context, name string) ([]byte, string, error) {
	return f.Value, f.Version, nil
}

// EnvFetcher resolves a secret name to an environment variable using a
// caller-supplied mapping, falling back to an uppercased, hyphen-to-
// underscore transform of the name itself.
type EnvFetcher struct {
	Mapping map[string]string
}

func (f EnvFetcher) Fetch(ctx context.Context, name string) ([]byte, string, error) {
	envVar, ok := f.Mapping[name]
	if !ok {
		envVar = strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	}
	val, ok := os.LookupEnv(envVar)
	if !ok {
		return nil, "", fmt.Errorf("no environment variable %q for secret %q", envVar, name)
	}
	return []byte(val), "", nil
}

// SSMFetcher retrieves a secret from AWS Systems Manager Parameter Store as
// a SecureString, using the parameter's version as the rotation signal.
type SSMFetcher struct {
	Client *ssm.Client
	Prefix string
}

func (f SSMFetcher) Fetch(ctx context.Context, name string) ([]byte, string, error) {
	path := f.Prefix + name
	out, err := f.Client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(path),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, "", fmt.Errorf("ssm get parameter %q: %w", path, err)
	}
	version := ""
	if out.Parameter != nil && out.Parameter.Version != 0 {
		version = fmt.Sprintf("%d", out.Parameter.Version)
	}
	return []byte(aws.ToString(out.Parameter.Value)), version, nil
}
