package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvConfigFile points at the JSON configuration file.
	EnvConfigFile = "CONFIG_FILE"
)

// listSections are config keys merged by identity, never by position.
var listSections = []string{"database_configs", "model_configs", "cloud_auth_configs"}

// Load composes the configuration: compiled defaults, then the JSON file
// (path argument, or CONFIG_FILE when empty), then environment variables.
//
// An unreadable or invalid config file is logged and ignored; the
// environment always applies. Fields set from the environment are marked
// protected so later overlays and file reloads cannot overwrite them.
func Load(path string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := NewDefault()
	cfg.k = koanf.New(".")

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	cfg.filePath = path

	if path != "" {
		if err := cfg.loadFile(path, layerFile); err != nil {
			// Lenient by contract: a bad file must not prevent boot.
			logger.Warn("ignoring invalid config file", zap.String("path", path), zap.Error(err))
		}
	}

	cfg.loadEnv()
	cfg.seedListsFromEnv()

	if err := cfg.unmarshalScalars(); err != nil {
		return nil, err
	}

	if cfg.Server.APIKey.IsSet() {
		cfg.Server.APIKeyGenerated = false
	} else {
		key, err := generateAPIKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate API key: %w", err)
		}
		cfg.Server.APIKey = Secret(key)
		cfg.Server.APIKeyGenerated = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile reads and applies one JSON config file at the given layer.
func (c *Config) loadFile(path string, l layer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return c.applyDocument(content, l)
}

// applyDocument merges one JSON document into the configuration at the
// given layer: scalars by path precedence, lists by identity.
func (c *Config) applyDocument(content []byte, l layer) error {
	kf := koanf.New(".")
	if err := kf.Load(rawbytes.Provider(content), kjson.Parser()); err != nil {
		return fmt.Errorf("failed to parse config document: %w", err)
	}

	// Scalars: higher (or equal, for same-source refresh) layers win.
	for key, val := range kf.All() {
		if inListSection(key) {
			continue
		}
		c.setScalar(key, val, l)
	}

	// Lists: merge by identity key.
	var dbs []DatabaseConfig
	if kf.Exists("database_configs") {
		if err := kf.Unmarshal("database_configs", &dbs); err != nil {
			return fmt.Errorf("invalid database_configs: %w", err)
		}
		c.mergeDatabases(dbs, l)
	}
	var models []ModelConfig
	if kf.Exists("model_configs") {
		if err := kf.Unmarshal("model_configs", &models); err != nil {
			return fmt.Errorf("invalid model_configs: %w", err)
		}
		c.mergeModels(models, l)
	}
	var profiles []CloudAuthProfile
	if kf.Exists("cloud_auth_configs") {
		if err := kf.Unmarshal("cloud_auth_configs", &profiles); err != nil {
			return fmt.Errorf("invalid cloud_auth_configs: %w", err)
		}
		c.mergeCloudProfiles(profiles, l)
	}
	return c.unmarshalScalars()
}

// loadEnv applies the scalar server environment variables through the
// koanf env provider. Unknown names and empty values are skipped.
func (c *Config) loadEnv() {
	scalarEnv := map[string]string{
		"API_SERVER_PORT": "server.port",
		"API_SERVER_URL":  "server.url",
		"API_SERVER_KEY":  "server.api_key",
		"LOG_LEVEL":       "server.log_level",
	}
	_ = c.k.Load(env.ProviderWithValue("", ".", func(key, value string) (string, interface{}) {
		path := scalarEnv[key]
		if path == "" || value == "" {
			return "", nil
		}
		return path, value
	}), nil)
	for name, path := range scalarEnv {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			c.origin[path] = layerEnv
		}
	}
}

// unmarshalScalars projects the merged scalar koanf tree onto the struct.
func (c *Config) unmarshalScalars() error {
	if err := c.k.Unmarshal("", c); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

// setScalar records a scalar path at the given layer if nothing of equal
// or higher precedence already owns it.
func (c *Config) setScalar(key string, val interface{}, l layer) {
	if l < c.originOf(key) {
		return
	}
	if err := c.k.Set(key, val); err != nil {
		return
	}
	c.origin[key] = l
}

func inListSection(key string) bool {
	for _, s := range listSections {
		if key == s || strings.HasPrefix(key, s+".") {
			return true
		}
	}
	return false
}

// seedListsFromEnv patches registry list entries from the environment
// variables the server contract names. These are field-grained: they
// never replace whole entries, and the touched fields become protected.
func (c *Config) seedListsFromEnv() {
	c.seedDatabaseEnv()
	c.seedModelEnv()
	c.seedCloudEnv()
}

func (c *Config) seedDatabaseEnv() {
	target := c.defaultDatabase()
	if target == nil {
		c.Databases = append(c.Databases, DatabaseConfig{Name: "DEFAULT"})
		target = &c.Databases[len(c.Databases)-1]
		c.origin["database_configs."+target.Name] = layerEnv
	}
	set := func(field string, apply func(string)) {
		name := "DB_" + strings.ToUpper(field)
		if field == "tns_admin" {
			name = "TNS_ADMIN"
		}
		if v, ok := os.LookupEnv(name); ok && v != "" {
			apply(v)
			c.origin["database_configs."+target.Name+"."+field] = layerEnv
		}
	}
	set("username", func(v string) { target.Username = v })
	set("password", func(v string) { target.Password = Secret(v) })
	set("dsn", func(v string) { target.DSN = v })
	set("wallet_password", func(v string) { target.WalletPassword = Secret(v) })
	set("tns_admin", func(v string) { target.TNSAdmin = v })
}

// defaultDatabase returns the entry named DEFAULT, or the first entry
// when no DEFAULT exists, or nil for an empty list.
func (c *Config) defaultDatabase() *DatabaseConfig {
	for i := range c.Databases {
		if c.Databases[i].Name == "DEFAULT" {
			return &c.Databases[i]
		}
	}
	if len(c.Databases) > 0 {
		return &c.Databases[0]
	}
	return nil
}

func (c *Config) seedModelEnv() {
	type providerSeed struct {
		envVar     string
		credential bool // credential when true, endpoint when false
	}
	seeds := map[string]providerSeed{
		"openai": {"OPENAI_API_KEY", true},
		"cohere": {"COHERE_API_KEY", true},
		"pplx":   {"PPLX_API_KEY", true},
		"ollama": {"ON_PREM_OLLAMA_URL", false},
		"vllm":   {"ON_PREM_VLLM_URL", false},
		"hf":     {"ON_PREM_HF_URL", false},
	}
	for provider, seed := range seeds {
		v, ok := os.LookupEnv(seed.envVar)
		if !ok || v == "" {
			continue
		}
		for i := range c.Models {
			m := &c.Models[i]
			if m.Provider != provider {
				continue
			}
			if seed.credential {
				m.Credential = Secret(v)
				c.origin["model_configs."+m.Identity()+".credential"] = layerEnv
			} else {
				m.Endpoint = v
				c.origin["model_configs."+m.Identity()+".endpoint"] = layerEnv
			}
			m.Enabled = true
			c.origin["model_configs."+m.Identity()+".enabled"] = layerEnv
		}
	}
}

func (c *Config) seedCloudEnv() {
	target := c.cloudProfile("DEFAULT")
	if target == nil {
		c.CloudProfiles = append(c.CloudProfiles, CloudAuthProfile{Name: "DEFAULT", Authentication: AuthAPIKey})
		target = &c.CloudProfiles[len(c.CloudProfiles)-1]
		c.origin["cloud_auth_configs.DEFAULT"] = layerEnv
	}

	// A pointed-at CLI config file seeds first; explicit variables win.
	if path := os.Getenv("OCI_CLI_CONFIG_FILE"); path != "" {
		if section, err := readINIProfile(path, "DEFAULT"); err == nil {
			applyCloudSection(target, section)
		}
	}

	set := func(envVar, field string, apply func(string)) {
		if v, ok := os.LookupEnv(envVar); ok && v != "" {
			apply(v)
			c.origin["cloud_auth_configs."+target.Name+"."+field] = layerEnv
		}
	}
	set("OCI_CLI_TENANCY", "tenancy", func(v string) { target.Tenancy = v })
	set("OCI_CLI_REGION", "region", func(v string) { target.Region = v })
	set("OCI_CLI_USER", "user", func(v string) { target.User = v })
	set("OCI_CLI_FINGERPRINT", "fingerprint", func(v string) { target.Fingerprint = v })
	set("OCI_CLI_KEY_FILE", "key_file", func(v string) { target.KeyFile = v })
	set("OCI_CLI_SECURITY_TOKEN_FILE", "security_token_file", func(v string) { target.SecurityTokenFile = v })
	set("OCI_CLI_AUTH", "authentication", func(v string) { target.Authentication = normalizeAuthMode(v) })
	set("OCI_GENAI_COMPARTMENT_ID", "compartment_id", func(v string) { target.CompartmentID = v })
	set("OCI_GENAI_SERVICE_ENDPOINT", "service_endpoint", func(v string) { target.ServiceEndpoint = v })
	if v, ok := os.LookupEnv("OCI_GENAI_REGION"); ok && v != "" && target.Region == "" {
		target.Region = v
		c.origin["cloud_auth_configs."+target.Name+".region"] = layerEnv
	}
}

func (c *Config) cloudProfile(name string) *CloudAuthProfile {
	for i := range c.CloudProfiles {
		if c.CloudProfiles[i].Name == name {
			return &c.CloudProfiles[i]
		}
	}
	return nil
}

// normalizeAuthMode accepts both the config vocabulary and the CLI
// spelling ("instance_principal") for the identity modes.
func normalizeAuthMode(v string) AuthMode {
	switch strings.ToLower(v) {
	case "instance_principal", string(AuthInstanceIdentity):
		return AuthInstanceIdentity
	case "oke_workload_identity", string(AuthWorkloadIdentity):
		return AuthWorkloadIdentity
	case string(AuthSecurityToken):
		return AuthSecurityToken
	default:
		return AuthAPIKey
	}
}

func applyCloudSection(p *CloudAuthProfile, section map[string]string) {
	if v := section["user"]; v != "" {
		p.User = v
	}
	if v := section["tenancy"]; v != "" {
		p.Tenancy = v
	}
	if v := section["region"]; v != "" {
		p.Region = v
	}
	if v := section["fingerprint"]; v != "" {
		p.Fingerprint = v
	}
	if v := section["key_file"]; v != "" {
		p.KeyFile = v
	}
	if v := section["security_token_file"]; v != "" {
		p.SecurityTokenFile = v
		p.Authentication = AuthSecurityToken
	}
}

// readINIProfile reads one [section] of a CLI-style INI file. Only the
// key=value subset the CLI writes is recognised.
func readINIProfile(path string, profile string) (map[string]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	section := map[string]string{}
	current := ""
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			current = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}
		if current != profile {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		section[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(val)
	}
	if len(section) == 0 {
		return nil, fmt.Errorf("profile %q not found in %s", profile, path)
	}
	return section, nil
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
