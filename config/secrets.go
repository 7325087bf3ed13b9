package config

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SecretsConfig names where API keys live outside of the config file.
// In "prod" the keys are always read from AWS SSM Parameter Store.
type SecretsConfig struct {
	Environment          string `mapstructure:"environment"` // "dev" or "prod"
	AggregatorKeyParam   string `mapstructure:"aggregator_key_param"`
	AlphaVantageKeyParam string `mapstructure:"alphavantage_key_param"`
}

// ParameterGetter is the subset of the SSM client used to read secrets.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// NewSSMClient builds an SSM client from the default AWS credential chain.
func NewSSMClient(ctx context.Context) (*ssm.Client, error) {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cfg, err := awsconfig.LoadDefaultConfig(ctxWithTimeout)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return ssm.NewFromConfig(cfg), nil
}

// ResolveAPIKeys fills the API keys from Parameter Store when running in prod.
// Outside prod the keys from config.yaml / environment are used as-is.
func (c *Config) ResolveAPIKeys(ctx context.Context, getter ParameterGetter) error {
	if c.Secrets.Environment != "prod" {
		return nil
	}

	if c.Secrets.AggregatorKeyParam != "" {
		key, err := getParameterStoreValue(ctx, getter, c.Secrets.AggregatorKeyParam, true)
		if err != nil {
			return fmt.Errorf("aggregator api key: %w", err)
		}
		c.Aggregator.APIKey = key
	}

	if c.Secrets.AlphaVantageKeyParam != "" {
		key, err := getParameterStoreValue(ctx, getter, c.Secrets.AlphaVantageKeyParam, true)
		if err != nil {
			return fmt.Errorf("alphavantage api key: %w", err)
		}
		c.AlphaVantage.APIKey = key
	}

	return nil
}

func getParameterStoreValue(ctx context.Context, getter ParameterGetter, parameterName string, decrypt bool) (string, error) {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	input := &ssm.GetParameterInput{
		Name:           &parameterName,
		WithDecryption: &decrypt,
	}

	result, err := getter.GetParameter(ctxWithTimeout, input)
	if err != nil {
		return "", fmt.Errorf("get parameter %s: %w", parameterName, err)
	}

	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", parameterName)
	}

	return *result.Parameter.Value, nil
}
