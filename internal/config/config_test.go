package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DAPP_CHAIN_DEPLOYMENTS_DIR", dir)

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err, "explicit config path must exist")
	require.Nil(t, cfg)

	t.Chdir(dir)
	cfg, err = Load("")
	require.NoError(t, err)
	require.Equal(t, int64(97), cfg.Chain.RequiredChainID)
	require.Equal(t, int64(97), cfg.Chain.RequiredChain().Int64())
	require.Equal(t, time.Second, cfg.Chain.BalancePollInterval)
	require.Equal(t, 2*time.Second, cfg.Chain.ReceiptPollInterval)
	require.Equal(t, 3000, cfg.Service.HTTPPort)
	require.Equal(t, "127.0.0.1", cfg.Service.Host)
	require.Empty(t, cfg.Service.AuthSecret)
	require.Equal(t, 30*time.Second, cfg.Chain.RPCTimeout)
	require.Equal(t, "development", cfg.App.Env)
	require.Empty(t, cfg.Deployment.TokenAddress)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dapp.yaml")
	writeFile(t, path, `
app:
  env: production
chain:
  required_chain_id: 56
  rpc_url: https://bsc.example
  balance_poll_interval: 250ms
  deployments_dir: `+dir+`
service:
  http_port: 8080
`)
	t.Setenv("DAPP_SERVICE_HTTP_PORT", "9090")
	t.Setenv("DAPP_CHAIN_PRIVATE_KEY", "0xabc")
	t.Setenv("DAPP_SERVICE_AUTH_SECRET", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "production", cfg.App.Env)
	require.Equal(t, int64(56), cfg.Chain.RequiredChainID)
	require.Equal(t, "https://bsc.example", cfg.Chain.RPCURL)
	require.Equal(t, 250*time.Millisecond, cfg.Chain.BalancePollInterval)
	require.Equal(t, 9090, cfg.Service.HTTPPort)
	require.Equal(t, "0xabc", cfg.Chain.PrivateKey)
	require.Equal(t, "s3cret", cfg.Service.AuthSecret)
}

func TestLoadRejectsBadChainID(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DAPP_CHAIN_DEPLOYMENTS_DIR", dir)
	t.Setenv("DAPP_CHAIN_REQUIRED_CHAIN_ID", "0")
	t.Chdir(dir)

	_, err := Load("")
	require.Error(t, err)
}

func TestLoadDeployment(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, contractAddressFile), `{
  "TokenERC20": "0x5FbDB2315678afecb367f032d93F642f64180aa3",
  "MyDepositContract": "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
}`)
	writeFile(t, filepath.Join(dir, tokenArtifactFile), `{"contractName":"TokenERC20","abi":[{"type":"function","name":"name","inputs":[],"outputs":[{"type":"string"}],"stateMutability":"view"}]}`)

	d, err := LoadDeployment(dir)
	require.NoError(t, err)
	require.Equal(t, "0x5FbDB2315678afecb367f032d93F642f64180aa3", d.TokenAddress)
	require.Equal(t, "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512", d.DepositAddress)
	require.Contains(t, string(d.TokenABI), `"name":"name"`)
	require.Nil(t, d.DepositABI)
}

func TestLoadDeploymentMalformed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, contractAddressFile), `{"TokenERC20": `)

	_, err := LoadDeployment(dir)
	require.ErrorContains(t, err, contractAddressFile)
}
