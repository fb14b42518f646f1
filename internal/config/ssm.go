package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmPrefix marks a location parameter whose value lives in SSM Parameter Store,
// e.g. `secret_key: ssm:/zref/prod/s3-secret`.
const ssmPrefix = "ssm:"

// ParameterGetter is the subset of the SSM client used to resolve parameters.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ResolveSSMParameters replaces every "ssm:<name>" location parameter with the
// decrypted value of that parameter.
func ResolveSSMParameters(ctx context.Context, client ParameterGetter, cfg *Config) error {
	for name, loc := range cfg.Locations {
		for key, value := range loc.Params {
			str, ok := value.(string)
			if !ok || !strings.HasPrefix(str, ssmPrefix) {
				continue
			}
			out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
				Name:           aws.String(strings.TrimPrefix(str, ssmPrefix)),
				WithDecryption: aws.Bool(true),
			})
			if err != nil {
				return fmt.Errorf("failed to resolve parameter %s of location %s: %w", key, name, err)
			}
			if out.Parameter == nil || out.Parameter.Value == nil {
				return fmt.Errorf("parameter %s of location %s resolved to an empty value", key, name)
			}
			loc.Params[key] = *out.Parameter.Value
		}
	}
	return nil
}

func needsSSM(cfg *Config) bool {
	for _, loc := range cfg.Locations {
		for _, value := range loc.Params {
			if str, ok := value.(string); ok && strings.HasPrefix(str, ssmPrefix) {
				return true
			}
		}
	}
	return false
}
