package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kira210402/DepositNFT/internal/contracts"
)

const (
	EnvPrefix = "DAPP"

	defaultRequiredChainID = 97
	defaultDeploymentsDir  = "./contracts"

	contractAddressFile = "contract-address.json"
	tokenArtifactFile   = "TokenERC20.json"
	depositArtifactFile = "MyDepositContract.json"
)

// AppConfig ties together file, environment and deployment artifacts.
type AppConfig struct {
	App         AppSettings          `mapstructure:"app"`
	Chain       ChainConfig          `mapstructure:"chain"`
	Service     ServiceConfig        `mapstructure:"service"`
	Idempotency IdempotencyConfig    `mapstructure:"idempotency"`
	Deployment  contracts.Deployment `mapstructure:"-"`
}

type AppSettings struct {
	Env string `mapstructure:"env"`
}

type ChainConfig struct {
	RequiredChainID     int64         `mapstructure:"required_chain_id"`
	RPCURL              string        `mapstructure:"rpc_url"`
	PrivateKey          string        `mapstructure:"private_key"`
	DeploymentsDir      string        `mapstructure:"deployments_dir"`
	BalancePollInterval time.Duration `mapstructure:"balance_poll_interval"`
	EventPollInterval   time.Duration `mapstructure:"event_poll_interval"`
	ReceiptPollInterval time.Duration `mapstructure:"receipt_poll_interval"`
	// RPCTimeout bounds the endpoint check at dial time and contract binding.
	RPCTimeout          time.Duration `mapstructure:"rpc_timeout"`
}

type ServiceConfig struct {
	Host        string        `mapstructure:"host"`
	HTTPPort    int           `mapstructure:"http_port"`
	AuthSecret  string        `mapstructure:"auth_secret"`
	AuthMaxSkew time.Duration `mapstructure:"auth_max_skew"`
}

type IdempotencyConfig struct {
	Window      time.Duration `mapstructure:"window"`
	StorePath   string        `mapstructure:"store_path"`
	PostgresDSN string        `mapstructure:"postgres_dsn"`
}

// RequiredChain returns the chain id the wallet must be on.
func (c ChainConfig) RequiredChain() *big.Int { return big.NewInt(c.RequiredChainID) }

// Load reads an optional config file, then DAPP_* environment variables, then
// the deployment artifacts. An empty path searches for dapp.yaml in the
// working directory and ./config.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dapp")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Chain.RequiredChainID <= 0 {
		return nil, fmt.Errorf("chain.required_chain_id must be positive, got %d", cfg.Chain.RequiredChainID)
	}

	deployment, err := LoadDeployment(cfg.Chain.DeploymentsDir)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}
	cfg.Deployment = deployment
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")

	v.SetDefault("chain.required_chain_id", defaultRequiredChainID)
	v.SetDefault("chain.rpc_url", "http://127.0.0.1:8545")
	v.SetDefault("chain.private_key", "")
	v.SetDefault("chain.deployments_dir", defaultDeploymentsDir)
	v.SetDefault("chain.balance_poll_interval", time.Second)
	v.SetDefault("chain.event_poll_interval", time.Second)
	v.SetDefault("chain.receipt_poll_interval", 2*time.Second)
	v.SetDefault("chain.rpc_timeout", 30*time.Second)

	v.SetDefault("service.host", "127.0.0.1")
	v.SetDefault("service.http_port", 3000)
	v.SetDefault("service.auth_secret", "")
	v.SetDefault("service.auth_max_skew", 5*time.Minute)

	v.SetDefault("idempotency.window", 10*time.Minute)
	v.SetDefault("idempotency.store_path", filepath.Join(os.TempDir(), "depositdapp-idem.json"))
	v.SetDefault("idempotency.postgres_dsn", "")
}

// contractAddresses mirrors contract-address.json written by the deploy script.
type contractAddresses struct {
	TokenERC20        string `json:"TokenERC20"`
	MyDepositContract string `json:"MyDepositContract"`
}

type artifact struct {
	ABI json.RawMessage `json:"abi"`
}

// LoadDeployment reads contract-address.json from dir, plus the contract
// artifacts when present. A missing address file yields an empty deployment;
// the gateway rejects it when binding.
func LoadDeployment(dir string) (contracts.Deployment, error) {
	var d contracts.Deployment

	raw, err := os.ReadFile(filepath.Join(dir, contractAddressFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return d, nil
	case err != nil:
		return d, err
	}
	var addrs contractAddresses
	if err := json.Unmarshal(raw, &addrs); err != nil {
		return d, fmt.Errorf("%s: %w", contractAddressFile, err)
	}
	d.TokenAddress = addrs.TokenERC20
	d.DepositAddress = addrs.MyDepositContract

	if d.TokenABI, err = loadArtifactABI(filepath.Join(dir, tokenArtifactFile)); err != nil {
		return d, err
	}
	if d.DepositABI, err = loadArtifactABI(filepath.Join(dir, depositArtifactFile)); err != nil {
		return d, err
	}
	return d, nil
}

func loadArtifactABI(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var a artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if len(a.ABI) == 0 {
		return nil, nil
	}
	return a.ABI, nil
}
