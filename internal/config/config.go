// Package config is the schema hub for ragd: the layered server
// configuration, the registry wire types (models, databases, cloud auth
// profiles), and the per-client settings record. Loading follows
// defaults -> config file -> environment -> runtime patch; see loader.go
// for the precedence and protection rules.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/v2"
)

// ModelKind distinguishes completion models from embedding models.
type ModelKind string

const (
	KindLanguage  ModelKind = "language"
	KindEmbedding ModelKind = "embedding"
)

// Valid reports whether k is a recognised model kind.
func (k ModelKind) Valid() bool {
	return k == KindLanguage || k == KindEmbedding
}

// DistanceMetric selects the similarity function of a vector store.
type DistanceMetric string

const (
	MetricCosine    DistanceMetric = "cosine"
	MetricDot       DistanceMetric = "dot"
	MetricEuclidean DistanceMetric = "euclidean"
)

// Valid reports whether m is a recognised distance metric.
func (m DistanceMetric) Valid() bool {
	switch m {
	case MetricCosine, MetricDot, MetricEuclidean:
		return true
	}
	return false
}

// IndexType selects the vector index built after a merge.
type IndexType string

const (
	IndexFlat IndexType = "flat"
	IndexHNSW IndexType = "hnsw"
	IndexIVF  IndexType = "ivf"
)

// Valid reports whether t is a recognised index type.
func (t IndexType) Valid() bool {
	switch t {
	case IndexFlat, IndexHNSW, IndexIVF:
		return true
	}
	return false
}

// SearchType selects the retrieval strategy for vector search.
type SearchType string

const (
	SearchSimilarity SearchType = "similarity"
	SearchThreshold  SearchType = "similarity_score_threshold"
	SearchMMR        SearchType = "mmr"
)

// Valid reports whether s is a recognised search type.
func (s SearchType) Valid() bool {
	switch s {
	case SearchSimilarity, SearchThreshold, SearchMMR:
		return true
	}
	return false
}

// AuthMode is the authentication flavour of a cloud auth profile.
type AuthMode string

const (
	AuthAPIKey           AuthMode = "api_key"
	AuthInstanceIdentity AuthMode = "instance_identity"
	AuthWorkloadIdentity AuthMode = "workload_identity"
	AuthSecurityToken    AuthMode = "security_token"
)

// Valid reports whether m is a recognised auth mode.
func (m AuthMode) Valid() bool {
	switch m {
	case AuthAPIKey, AuthInstanceIdentity, AuthWorkloadIdentity, AuthSecurityToken:
		return true
	}
	return false
}

// GenerationDefaults are the per-call parameters a model descriptor
// contributes when the client settings do not override them.
type GenerationDefaults struct {
	Temperature      float64 `koanf:"temperature" json:"temperature"`
	TopP             float64 `koanf:"top_p" json:"top_p"`
	MaxTokens        int     `koanf:"max_completion_tokens" json:"max_completion_tokens"`
	FrequencyPenalty float64 `koanf:"frequency_penalty" json:"frequency_penalty"`
	PresencePenalty  float64 `koanf:"presence_penalty" json:"presence_penalty"`
}

// ModelConfig describes one model endpoint known to the registry.
// Identity is (provider, id).
type ModelConfig struct {
	ID             string             `koanf:"id" json:"id"`
	Provider       string             `koanf:"provider" json:"provider"`
	Kind           ModelKind          `koanf:"kind" json:"kind"`
	Endpoint       string             `koanf:"endpoint" json:"endpoint"`
	Credential     Secret             `koanf:"credential" json:"credential"`
	Enabled        bool               `koanf:"enabled" json:"enabled"`
	MaxInputTokens int                `koanf:"max_input_tokens" json:"max_input_tokens,omitempty"`
	MaxChunkSize   int                `koanf:"max_chunk_size" json:"max_chunk_size,omitempty"`
	Defaults       GenerationDefaults `koanf:"defaults" json:"defaults"`
}

// Identity returns the registry key "provider/id".
func (m *ModelConfig) Identity() string {
	return m.Provider + "/" + m.ID
}

// Validate checks descriptor fields.
func (m *ModelConfig) Validate() error {
	if m.ID == "" {
		return errors.New("model id is required")
	}
	if m.Provider == "" {
		return errors.New("model provider is required")
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("model %s: kind must be %q or %q, got %q", m.Identity(), KindLanguage, KindEmbedding, m.Kind)
	}
	if m.Endpoint != "" {
		if _, err := url.Parse(m.Endpoint); err != nil {
			return fmt.Errorf("model %s: invalid endpoint: %w", m.Identity(), err)
		}
	}
	return nil
}

// ProfileRef returns the cloud auth profile name when the credential is a
// "profile:<name>" reference, or "" for literal credentials.
func (m *ModelConfig) ProfileRef() string {
	v := m.Credential.Value()
	if name, ok := strings.CutPrefix(v, "profile:"); ok {
		return name
	}
	return ""
}

// DatabaseConfig holds the connect parameters of one named database.
// Identity is Name.
type DatabaseConfig struct {
	Name           string   `koanf:"name" json:"name"`
	Username       string   `koanf:"username" json:"username"`
	Password       Secret   `koanf:"password" json:"password"`
	DSN            string   `koanf:"dsn" json:"dsn"`
	WalletPassword Secret   `koanf:"wallet_password" json:"wallet_password,omitempty"`
	TNSAdmin       string   `koanf:"tns_admin" json:"tns_admin,omitempty"`
	ConnectTimeout Duration `koanf:"connect_timeout" json:"connect_timeout,omitempty"`
}

// Validate checks that the handle can at least attempt a connection.
func (d *DatabaseConfig) Validate() error {
	if d.Name == "" {
		return errors.New("database name is required")
	}
	return nil
}

// Complete reports whether username, password and DSN are all present.
func (d *DatabaseConfig) Complete() bool {
	return d.Username != "" && d.Password.IsSet() && d.DSN != ""
}

// CloudAuthProfile is one credential bundle for a cloud provider.
// Identity is Name; exactly one auth mode is active.
type CloudAuthProfile struct {
	Name              string   `koanf:"profile_name" json:"profile_name"`
	Authentication    AuthMode `koanf:"authentication" json:"authentication"`
	User              string   `koanf:"user" json:"user,omitempty"`
	Tenancy           string   `koanf:"tenancy" json:"tenancy,omitempty"`
	Region            string   `koanf:"region" json:"region,omitempty"`
	Fingerprint       string   `koanf:"fingerprint" json:"fingerprint,omitempty"`
	KeyFile           string   `koanf:"key_file" json:"key_file,omitempty"`
	KeyContent        Secret   `koanf:"key_content" json:"key_content,omitempty"`
	SecurityTokenFile string   `koanf:"security_token_file" json:"security_token_file,omitempty"`
	CompartmentID     string   `koanf:"compartment_id" json:"compartment_id,omitempty"`
	ServiceEndpoint   string   `koanf:"service_endpoint" json:"service_endpoint,omitempty"`
}

// Validate enforces the per-mode required fields.
func (p *CloudAuthProfile) Validate() error {
	if p.Name == "" {
		return errors.New("profile_name is required")
	}
	if !p.Authentication.Valid() {
		return fmt.Errorf("profile %s: unknown authentication mode %q", p.Name, p.Authentication)
	}
	switch p.Authentication {
	case AuthAPIKey:
		if p.User == "" || p.Tenancy == "" || p.Fingerprint == "" || (p.KeyFile == "" && !p.KeyContent.IsSet()) {
			return fmt.Errorf("profile %s: api_key mode requires user, tenancy, fingerprint and key material", p.Name)
		}
	case AuthSecurityToken:
		if p.SecurityTokenFile == "" || (p.KeyFile == "" && !p.KeyContent.IsSet()) {
			return fmt.Errorf("profile %s: security_token mode requires security_token_file and key material", p.Name)
		}
	case AuthInstanceIdentity, AuthWorkloadIdentity:
		// Resolved against the runtime identity endpoint; nothing to check here.
	}
	return nil
}

// LanguageModelSettings selects the completion model and its call params
// for one client.
type LanguageModelSettings struct {
	Model            string  `koanf:"model" json:"model"`
	History          bool    `koanf:"chat_history" json:"chat_history"`
	Temperature      float64 `koanf:"temperature" json:"temperature"`
	TopP             float64 `koanf:"top_p" json:"top_p"`
	MaxTokens        int     `koanf:"max_completion_tokens" json:"max_completion_tokens"`
	FrequencyPenalty float64 `koanf:"frequency_penalty" json:"frequency_penalty"`
	PresencePenalty  float64 `koanf:"presence_penalty" json:"presence_penalty"`
}

// VectorSearchSettings controls retrieval and ingest for one client. The
// chunking block doubles as the ingest parameter set: the target table
// name is derived from (alias, model, chunk size, overlap, metric, index).
type VectorSearchSettings struct {
	Enabled        bool           `koanf:"enabled" json:"enabled"`
	Discovery      bool           `koanf:"discovery" json:"discovery"`
	Rephrase       bool           `koanf:"rephrase" json:"rephrase"`
	Grading        bool           `koanf:"grading" json:"grading"`
	SearchType     SearchType     `koanf:"search_type" json:"search_type"`
	TopK           int            `koanf:"top_k" json:"top_k"`
	ScoreThreshold float64        `koanf:"score_threshold" json:"score_threshold"`
	MMRFetchK      int            `koanf:"mmr_fetch_k" json:"mmr_fetch_k"`
	MMRLambda      float64        `koanf:"mmr_lambda" json:"mmr_lambda"`
	Alias          string         `koanf:"alias" json:"alias"`
	Model          string         `koanf:"model" json:"model"`
	ChunkSize      int            `koanf:"chunk_size" json:"chunk_size"`
	ChunkOverlap   int            `koanf:"chunk_overlap" json:"chunk_overlap"`
	DistanceMetric DistanceMetric `koanf:"distance_metric" json:"distance_metric"`
	IndexType      IndexType      `koanf:"index_type" json:"index_type"`
	RateLimit      int            `koanf:"rate_limit" json:"rate_limit"`
}

// SelectAISettings enables the natural-language-to-SQL tool.
type SelectAISettings struct {
	Enabled bool   `koanf:"enabled" json:"enabled"`
	Profile string `koanf:"profile" json:"profile,omitempty"`
}

// PromptRefs names the prompts a client resolves from the prompt store.
type PromptRefs struct {
	System  string `koanf:"system" json:"system"`
	Context string `koanf:"context" json:"context"`
}

// ClientSettings is the per-client record resolved on every request via
// the "client" header. Identity is ClientID; "default" and "server"
// always exist and new clients start as deep copies of "default".
type ClientSettings struct {
	ClientID      string                `koanf:"client_id" json:"client_id"`
	Database      string                `koanf:"database" json:"database"`
	AuthProfile   string                `koanf:"auth_profile" json:"auth_profile,omitempty"`
	LanguageModel LanguageModelSettings `koanf:"language_model" json:"language_model"`
	VectorSearch  VectorSearchSettings  `koanf:"vector_search" json:"vector_search"`
	SelectAI      SelectAISettings      `koanf:"selectai" json:"selectai"`
	Prompts       PromptRefs            `koanf:"prompts" json:"prompts"`
	ToolsEnabled  []string              `koanf:"tools_enabled" json:"tools_enabled,omitempty"`
}

// Clone returns a deep copy via a JSON round-trip. Secrets do not occur
// in client settings, so marshalling is loss-free.
func (c *ClientSettings) Clone() *ClientSettings {
	raw, err := json.Marshal(c)
	if err != nil {
		// ClientSettings is a closed struct of marshalable fields.
		panic(fmt.Sprintf("config: clone marshal: %v", err))
	}
	out := &ClientSettings{}
	if err := json.Unmarshal(raw, out); err != nil {
		panic(fmt.Sprintf("config: clone unmarshal: %v", err))
	}
	return out
}

// Validate checks ranges on the tunable fields.
func (c *ClientSettings) Validate() error {
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	vs := &c.VectorSearch
	if vs.ScoreThreshold < 0 || vs.ScoreThreshold > 1 {
		return fmt.Errorf("client %s: score_threshold must be in [0,1], got %g", c.ClientID, vs.ScoreThreshold)
	}
	if vs.MMRLambda < 0 || vs.MMRLambda > 1 {
		return fmt.Errorf("client %s: mmr_lambda must be in [0,1], got %g", c.ClientID, vs.MMRLambda)
	}
	if vs.TopK < 1 {
		return fmt.Errorf("client %s: top_k must be >= 1, got %d", c.ClientID, vs.TopK)
	}
	if vs.ChunkSize < 1 {
		return fmt.Errorf("client %s: chunk_size must be >= 1, got %d", c.ClientID, vs.ChunkSize)
	}
	if vs.ChunkOverlap < 0 || vs.ChunkOverlap >= vs.ChunkSize {
		return fmt.Errorf("client %s: chunk_overlap must be in [0, chunk_size), got %d", c.ClientID, vs.ChunkOverlap)
	}
	if !vs.SearchType.Valid() {
		return fmt.Errorf("client %s: unknown search_type %q", c.ClientID, vs.SearchType)
	}
	if !vs.DistanceMetric.Valid() {
		return fmt.Errorf("client %s: unknown distance_metric %q", c.ClientID, vs.DistanceMetric)
	}
	if !vs.IndexType.Valid() {
		return fmt.Errorf("client %s: unknown index_type %q", c.ClientID, vs.IndexType)
	}
	return nil
}

// ServerConfig holds the process-level settings.
type ServerConfig struct {
	Port            int      `koanf:"port" json:"port"`
	URL             string   `koanf:"url" json:"url"`
	APIKey          Secret   `koanf:"api_key" json:"api_key"`
	APIKeyGenerated bool     `koanf:"api_key_generated" json:"api_key_generated"`
	LogLevel        string   `koanf:"log_level" json:"log_level"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout" json:"shutdown_timeout"`
	ScratchDir      string   `koanf:"scratch_dir" json:"scratch_dir"`
}

// Config is the composed runtime configuration.
type Config struct {
	Server          ServerConfig       `koanf:"server" json:"server"`
	ClientTemplate  ClientSettings     `koanf:"client_settings" json:"client_settings"`
	Databases       []DatabaseConfig   `koanf:"database_configs" json:"database_configs"`
	Models          []ModelConfig      `koanf:"model_configs" json:"model_configs"`
	CloudProfiles   []CloudAuthProfile `koanf:"cloud_auth_configs" json:"cloud_auth_configs"`
	PromptOverrides map[string]string  `koanf:"prompt_overrides" json:"prompt_overrides,omitempty"`

	// Composition state: the merged scalar tree, the source layer per
	// dotted path, and the file being watched for reloads.
	k        *koanf.Koanf
	origin   map[string]layer
	filePath string
}

// Validate validates the whole configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	seen := map[string]bool{}
	for i := range c.Models {
		m := &c.Models[i]
		if err := m.Validate(); err != nil {
			return err
		}
		if seen[m.Identity()] {
			return fmt.Errorf("duplicate model %s", m.Identity())
		}
		seen[m.Identity()] = true
	}
	seen = map[string]bool{}
	for i := range c.Databases {
		d := &c.Databases[i]
		if err := d.Validate(); err != nil {
			return err
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate database %s", d.Name)
		}
		seen[d.Name] = true
	}
	seen = map[string]bool{}
	for i := range c.CloudProfiles {
		p := &c.CloudProfiles[i]
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate cloud auth profile %s", p.Name)
		}
		seen[p.Name] = true
	}
	if err := c.ClientTemplate.Validate(); err != nil {
		return fmt.Errorf("client_settings template: %w", err)
	}
	return nil
}

// NewDefault returns the compiled defaults, the lowest precedence layer.
func NewDefault() *Config {
	return &Config{
		origin: map[string]layer{},
		Server: ServerConfig{
			Port:            8000,
			URL:             "http://localhost",
			LogLevel:        "info",
			ShutdownTimeout: Duration(10 * time.Second),
			ScratchDir:      filepath.Join(os.TempDir(), "ragd"),
		},
		ClientTemplate: DefaultClientTemplate(),
		Databases:      DefaultDatabases(),
		Models:         DefaultModels(),
		CloudProfiles:  DefaultCloudProfiles(),
	}
}

// DefaultClientTemplate is the settings record cloned into "default" and
// "server" at boot and into every client created on first PATCH.
func DefaultClientTemplate() ClientSettings {
	return ClientSettings{
		ClientID: "default",
		Database: "DEFAULT",
		LanguageModel: LanguageModelSettings{
			Model:       "openai/gpt-4o-mini",
			History:     true,
			Temperature: 1.0,
			TopP:        1.0,
			MaxTokens:   256,
		},
		VectorSearch: VectorSearchSettings{
			Enabled:        false,
			Discovery:      false,
			Rephrase:       false,
			Grading:        true,
			SearchType:     SearchSimilarity,
			TopK:           4,
			ScoreThreshold: 0,
			MMRFetchK:      20,
			MMRLambda:      0.5,
			Model:          "openai/text-embedding-3-small",
			ChunkSize:      1000,
			ChunkOverlap:   100,
			DistanceMetric: MetricCosine,
			IndexType:      IndexHNSW,
			RateLimit:      0,
		},
		SelectAI: SelectAISettings{Enabled: false},
		Prompts: PromptRefs{
			System:  "optimizer-basic-default",
			Context: "optimizer-context-default",
		},
	}
}

// DefaultDatabases declares the single DEFAULT handle; connect details
// arrive from the config file or DB_* environment variables.
func DefaultDatabases() []DatabaseConfig {
	return []DatabaseConfig{
		{Name: "DEFAULT", ConnectTimeout: Duration(5 * time.Second)},
	}
}

// DefaultCloudProfiles declares the DEFAULT profile in api_key mode with
// empty fields; OCI_CLI_* environment variables fill it in.
func DefaultCloudProfiles() []CloudAuthProfile {
	return []CloudAuthProfile{
		{Name: "DEFAULT", Authentication: AuthAPIKey},
	}
}

// DefaultModels lists every provider the adapter factory supports. All
// entries start disabled; environment seeding or admin patches supply
// credentials and enable them.
func DefaultModels() []ModelConfig {
	return []ModelConfig{
		{
			ID: "gpt-4o-mini", Provider: "openai", Kind: KindLanguage,
			Endpoint:       "https://api.openai.com/v1",
			MaxInputTokens: 127072,
			Defaults:       GenerationDefaults{Temperature: 1.0, TopP: 1.0, MaxTokens: 4096},
		},
		{
			ID: "gpt-4o", Provider: "openai", Kind: KindLanguage,
			Endpoint:       "https://api.openai.com/v1",
			MaxInputTokens: 127072,
			Defaults:       GenerationDefaults{Temperature: 1.0, TopP: 1.0, MaxTokens: 4096},
		},
		{
			ID: "sonar", Provider: "pplx", Kind: KindLanguage,
			Endpoint:       "https://api.perplexity.ai",
			MaxInputTokens: 127072,
			Defaults:       GenerationDefaults{Temperature: 0.2, TopP: 0.9, MaxTokens: 2048},
		},
		{
			ID: "command-r", Provider: "cohere", Kind: KindLanguage,
			Endpoint:       "https://api.cohere.ai",
			MaxInputTokens: 127072,
			Defaults:       GenerationDefaults{Temperature: 0.3, TopP: 0.75, MaxTokens: 4000},
		},
		{
			ID: "llama3.1", Provider: "ollama", Kind: KindLanguage,
			MaxInputTokens: 131072,
			Defaults:       GenerationDefaults{Temperature: 1.0, TopP: 1.0, MaxTokens: 2048},
		},
		{
			ID: "text-embedding-3-small", Provider: "openai", Kind: KindEmbedding,
			Endpoint:     "https://api.openai.com/v1",
			MaxChunkSize: 8191,
		},
		{
			ID: "text-embedding-3-large", Provider: "openai", Kind: KindEmbedding,
			Endpoint:     "https://api.openai.com/v1",
			MaxChunkSize: 8191,
		},
		{
			ID: "mxbai-embed-large", Provider: "ollama", Kind: KindEmbedding,
			MaxChunkSize: 512,
		},
		{
			ID: "BAAI/bge-small-en-v1.5", Provider: "fastembed", Kind: KindEmbedding,
			MaxChunkSize: 512,
		},
	}
}
