package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// clearSeedEnv blanks every environment variable the loader consumes so
// tests are isolated from the developer's shell.
func clearSeedEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"CONFIG_FILE", "API_SERVER_KEY", "API_SERVER_URL", "API_SERVER_PORT", "LOG_LEVEL",
		"DB_USERNAME", "DB_PASSWORD", "DB_DSN", "DB_WALLET_PASSWORD", "TNS_ADMIN",
		"OPENAI_API_KEY", "COHERE_API_KEY", "PPLX_API_KEY",
		"ON_PREM_OLLAMA_URL", "ON_PREM_VLLM_URL", "ON_PREM_HF_URL",
		"OCI_CLI_CONFIG_FILE", "OCI_CLI_TENANCY", "OCI_CLI_REGION", "OCI_CLI_USER",
		"OCI_CLI_FINGERPRINT", "OCI_CLI_KEY_FILE", "OCI_CLI_SECURITY_TOKEN_FILE", "OCI_CLI_AUTH",
		"OCI_GENAI_COMPARTMENT_ID", "OCI_GENAI_REGION", "OCI_GENAI_SERVICE_ENDPOINT",
	} {
		// t.Setenv registers restoration; unset leaves the var absent
		// for the test body while still restoring afterwards.
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearSeedEnv(t)

	cfg, err := Load("", zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.True(t, cfg.Server.APIKey.IsSet(), "a key must be generated when none is supplied")
	assert.True(t, cfg.Server.APIKeyGenerated)
	assert.Equal(t, "default", cfg.ClientTemplate.ClientID)
	assert.Equal(t, MetricCosine, cfg.ClientTemplate.VectorSearch.DistanceMetric)

	// Compiled model defaults all start disabled.
	for _, m := range cfg.Models {
		assert.False(t, m.Enabled, "model %s should start disabled", m.Identity())
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	clearSeedEnv(t)
	path := writeConfigFile(t, `{
		"server": {"port": 9000, "api_key": "file-key"},
		"client_settings": {"vector_search": {"top_k": 7}}
	}`)

	cfg, err := Load(path, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "file-key", cfg.Server.APIKey.Value())
	assert.False(t, cfg.Server.APIKeyGenerated, "supplied key must clear the generated flag")
	assert.Equal(t, 7, cfg.ClientTemplate.VectorSearch.TopK)
	// Untouched template fields keep their defaults.
	assert.Equal(t, 1000, cfg.ClientTemplate.VectorSearch.ChunkSize)
}

func TestLoadInvalidFileIsIgnored(t *testing.T) {
	clearSeedEnv(t)
	path := writeConfigFile(t, `{not json at all`)

	cfg, err := Load(path, zap.NewNop())
	require.NoError(t, err, "a broken config file must not prevent boot")
	assert.Equal(t, 8000, cfg.Server.Port)
}

func TestEnvOverridesFile(t *testing.T) {
	clearSeedEnv(t)
	path := writeConfigFile(t, `{"server": {"port": 9000, "log_level": "warn"}}`)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("API_SERVER_PORT", "9443")

	cfg, err := Load(path, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 9443, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.True(t, cfg.Protected("server.log_level"))
	assert.True(t, cfg.Protected("server.port"))
	assert.False(t, cfg.Protected("server.url"))
}

// TestLayeredPrecedence walks the full layering contract: file beats
// defaults, environment beats file, and a late low-precedence overlay
// (for example one read from a database) cannot displace any of them.
func TestLayeredPrecedence(t *testing.T) {
	clearSeedEnv(t)
	path := writeConfigFile(t, `{
		"server": {"port": 9000},
		"database_configs": [{"name": "CORE", "dsn": "file_dsn"}]
	}`)
	t.Setenv("DB_USERNAME", "env_user")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path, zap.NewNop())
	require.NoError(t, err)

	overlay := []byte(`{
		"server": {"port": 7777, "log_level": "error"},
		"database_configs": [
			{"name": "CORE", "dsn": "db_dsn"},
			{"name": "REPORTS", "dsn": "reports_dsn"}
		]
	}`)
	require.NoError(t, cfg.ApplyOverlay(overlay))

	assert.Equal(t, "debug", cfg.Server.LogLevel, "env-protected field must survive the overlay")
	assert.Equal(t, 9000, cfg.Server.Port, "file-sourced field outranks the overlay")

	core := findDatabase(t, cfg, "CORE")
	assert.Equal(t, "file_dsn", core.DSN, "existing identity wins over overlay entry")
	assert.Equal(t, "env_user", core.Username, "env field patch applies to the default entry")

	reports := findDatabase(t, cfg, "REPORTS")
	assert.Equal(t, "reports_dsn", reports.DSN, "new identities append")
}

func TestReloadKeepsEnvAndRefreshesFile(t *testing.T) {
	clearSeedEnv(t)
	path := writeConfigFile(t, `{"server": {"port": 9000, "log_level": "warn"}}`)
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, 9000, cfg.Server.Port)

	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"port": 9100, "log_level": "error"}}`), 0o600))
	require.NoError(t, cfg.Reload())

	assert.Equal(t, 9100, cfg.Server.Port, "file reload refreshes file-sourced fields")
	assert.Equal(t, "debug", cfg.Server.LogLevel, "file reload must not touch env-sourced fields")
}

func TestSeedModelEnv(t *testing.T) {
	clearSeedEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ON_PREM_OLLAMA_URL", "http://gpu-box:11434")

	cfg, err := Load("", zap.NewNop())
	require.NoError(t, err)

	var sawOpenAI, sawOllama bool
	for _, m := range cfg.Models {
		switch m.Provider {
		case "openai":
			sawOpenAI = true
			assert.Equal(t, "sk-test", m.Credential.Value())
			assert.True(t, m.Enabled)
		case "ollama":
			sawOllama = true
			assert.Equal(t, "http://gpu-box:11434", m.Endpoint)
			assert.True(t, m.Enabled)
		case "cohere":
			assert.False(t, m.Enabled, "providers without credentials stay disabled")
		}
	}
	assert.True(t, sawOpenAI)
	assert.True(t, sawOllama)
}

func TestSeedDatabaseEnv(t *testing.T) {
	clearSeedEnv(t)
	t.Setenv("DB_USERNAME", "scott")
	t.Setenv("DB_PASSWORD", "tiger")
	t.Setenv("DB_DSN", "postgres://db:5432/core")
	t.Setenv("TNS_ADMIN", "/opt/wallet")

	cfg, err := Load("", zap.NewNop())
	require.NoError(t, err)

	def := findDatabase(t, cfg, "DEFAULT")
	assert.Equal(t, "scott", def.Username)
	assert.Equal(t, "tiger", def.Password.Value())
	assert.Equal(t, "postgres://db:5432/core", def.DSN)
	assert.Equal(t, "/opt/wallet", def.TNSAdmin)
	assert.True(t, cfg.Protected("database_configs.DEFAULT.password"))
}

func TestSeedCloudEnv(t *testing.T) {
	clearSeedEnv(t)
	iniPath := filepath.Join(t.TempDir(), "oci_config")
	require.NoError(t, os.WriteFile(iniPath, []byte(
		"[DEFAULT]\nuser=ocid1.user.oc1..ini\ntenancy=ocid1.tenancy.oc1..ini\nregion=us-ashburn-1\nfingerprint=aa:bb\nkey_file=/keys/ini.pem\n",
	), 0o600))
	t.Setenv("OCI_CLI_CONFIG_FILE", iniPath)
	t.Setenv("OCI_CLI_REGION", "eu-frankfurt-1")
	t.Setenv("OCI_GENAI_COMPARTMENT_ID", "ocid1.compartment.oc1..genai")

	cfg, err := Load("", zap.NewNop())
	require.NoError(t, err)

	var def *CloudAuthProfile
	for i := range cfg.CloudProfiles {
		if cfg.CloudProfiles[i].Name == "DEFAULT" {
			def = &cfg.CloudProfiles[i]
		}
	}
	require.NotNil(t, def)
	assert.Equal(t, "ocid1.user.oc1..ini", def.User, "INI file seeds profile fields")
	assert.Equal(t, "eu-frankfurt-1", def.Region, "explicit variables win over the INI file")
	assert.Equal(t, "ocid1.compartment.oc1..genai", def.CompartmentID)
	assert.Equal(t, AuthAPIKey, def.Authentication)
}

func findDatabase(t *testing.T, cfg *Config, name string) *DatabaseConfig {
	t.Helper()
	for i := range cfg.Databases {
		if cfg.Databases[i].Name == name {
			return &cfg.Databases[i]
		}
	}
	t.Fatalf("database %s not found", name)
	return nil
}
