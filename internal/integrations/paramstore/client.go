// Package paramstore resolves named secrets from AWS SSM Parameter Store or,
// for local runs, from the process environment.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ErrNotFound is returned by every Getter when the named secret does not exist.
var ErrNotFound = errors.New("paramstore: parameter not found")

type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter resolves a secret by its parameter path.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// SSM reads decrypted parameters from AWS Systems Manager.
type SSM struct {
	api ssmAPI
}

var (
	_ Getter = (*SSM)(nil)
	_ Getter = (*Env)(nil)
)

func NewSSM(api ssmAPI) (*SSM, error) {
	if api == nil {
		return nil, errors.New("paramstore: ssm api must not be nil")
	}
	return &SSM{api: api}, nil
}

func (c *SSM) GetParameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if c == nil || c.api == nil || name == "" {
		return "", errors.New("paramstore: ssm lookup needs a client and a name")
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var nf *types.ParameterNotFound
		if errors.As(err, &nf) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("paramstore: ssm %s: %w", name, err)
	}
	if out == nil || out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return "", fmt.Errorf("%w: %s has no value", ErrNotFound, name)
	}
	return aws.ToString(out.Parameter.Value), nil
}

// Env resolves a parameter path from the environment using its last segment,
// upper-cased with dashes turned into underscores:
// "/lark-relay/lark-app-secret" reads LARK_APP_SECRET.
type Env struct {
	lookup func(string) (string, bool)
}

// NewEnv returns an Env backed by os.LookupEnv.
func NewEnv() *Env {
	return &Env{lookup: os.LookupEnv}
}

func (e *Env) GetParameter(_ context.Context, name string) (string, error) {
	key := EnvKey(name)
	if key == "" {
		return "", errors.New("paramstore: name is required")
	}
	lookup := e.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: environment variable %s is not set", ErrNotFound, key)
	}
	return v, nil
}

// EnvKey maps a parameter path to its environment variable name.
func EnvKey(name string) string {
	name = strings.TrimRight(strings.TrimSpace(name), "/")
	if name == "" {
		return ""
	}
	base := path.Base(name)
	return strings.ToUpper(strings.ReplaceAll(base, "-", "_"))
}
