package exchange

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/quantfoundry/tradepilot/pkg/errors"
)

// BinanceConfig holds the credentials for the Binance gateways.
type BinanceConfig struct {
	ApiKey    string `json:"apiKey" yaml:"api_key" jsonschema:"description=Binance API key,required"`
	SecretKey string `json:"secretKey" yaml:"secret_key" jsonschema:"description=Binance secret key,required"`
	// BaseURL overrides the endpoint. Takes precedence over the testnet flag.
	BaseURL string `json:"baseUrl" yaml:"base_url" jsonschema:"description=Optional custom API endpoint"`
}

// Validate checks for required credentials.
func (c *BinanceConfig) Validate() error {
	validate := validator.New()
	if err := validate.Struct(struct {
		ApiKey    string `validate:"required"`
		SecretKey string `validate:"required"`
	}{c.ApiKey, c.SecretKey}); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "binance config missing credentials", err)
	}

	return nil
}

// ParseBinanceConfig parses a JSON configuration string.
func ParseBinanceConfig(jsonConfig string) (*BinanceConfig, error) {
	var config BinanceConfig
	if err := json.Unmarshal([]byte(jsonConfig), &config); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to parse binance config", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}
