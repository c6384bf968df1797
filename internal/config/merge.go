package config

// layer orders the configuration sources. Higher values win; an equal
// layer may refresh its own earlier values (a changed file on reload
// updates file-sourced fields but never env- or patch-sourced ones).
type layer int8

const (
	layerDefault layer = iota
	layerOverlay       // late low-precedence overlays, e.g. database-sourced
	layerFile
	layerEnv
	layerPatch
)

func (c *Config) originOf(path string) layer {
	if c.origin == nil {
		return layerDefault
	}
	return c.origin[path]
}

// Protected reports whether an environment override owns the given path.
func (c *Config) Protected(path string) bool {
	return c.originOf(path) >= layerEnv
}

// ApplyOverlay merges a JSON document that ranks below the config file:
// it only fills fields still at their compiled defaults, and appends
// list entries whose identity is new. Existing identities win entirely.
func (c *Config) ApplyOverlay(content []byte) error {
	return c.applyDocument(content, layerOverlay)
}

// Reload re-applies the config file layer after the file changed on
// disk. Environment- and patch-owned fields keep their values.
func (c *Config) Reload() error {
	if c.filePath == "" {
		return nil
	}
	return c.loadFile(c.filePath, layerFile)
}

// mergeDatabases merges incoming entries at the given layer. A known
// identity is replaced only when the incoming layer is at least the
// entry's current layer; protected fields survive the replacement.
func (c *Config) mergeDatabases(incoming []DatabaseConfig, l layer) {
	for _, in := range incoming {
		if in.Name == "" {
			continue
		}
		idx := -1
		for i := range c.Databases {
			if c.Databases[i].Name == in.Name {
				idx = i
				break
			}
		}
		entryPath := "database_configs." + in.Name
		if idx < 0 {
			c.Databases = append(c.Databases, in)
			c.origin[entryPath] = l
			continue
		}
		if l < c.originOf(entryPath) {
			continue
		}
		existing := c.Databases[idx]
		merged := in
		restore := func(field string, apply func(*DatabaseConfig)) {
			if c.originOf(entryPath+"."+field) > l {
				apply(&merged)
			}
		}
		restore("username", func(d *DatabaseConfig) { d.Username = existing.Username })
		restore("password", func(d *DatabaseConfig) { d.Password = existing.Password })
		restore("dsn", func(d *DatabaseConfig) { d.DSN = existing.DSN })
		restore("wallet_password", func(d *DatabaseConfig) { d.WalletPassword = existing.WalletPassword })
		restore("tns_admin", func(d *DatabaseConfig) { d.TNSAdmin = existing.TNSAdmin })
		if merged.ConnectTimeout == 0 {
			merged.ConnectTimeout = existing.ConnectTimeout
		}
		c.Databases[idx] = merged
		c.origin[entryPath] = l
	}
}

func (c *Config) mergeModels(incoming []ModelConfig, l layer) {
	for _, in := range incoming {
		if in.ID == "" || in.Provider == "" {
			continue
		}
		idx := -1
		for i := range c.Models {
			if c.Models[i].Identity() == in.Identity() {
				idx = i
				break
			}
		}
		entryPath := "model_configs." + in.Identity()
		if idx < 0 {
			c.Models = append(c.Models, in)
			c.origin[entryPath] = l
			continue
		}
		if l < c.originOf(entryPath) {
			continue
		}
		existing := c.Models[idx]
		merged := in
		if c.originOf(entryPath+".credential") > l {
			merged.Credential = existing.Credential
		}
		if c.originOf(entryPath+".endpoint") > l {
			merged.Endpoint = existing.Endpoint
		}
		if c.originOf(entryPath+".enabled") > l {
			merged.Enabled = existing.Enabled
		}
		c.Models[idx] = merged
		c.origin[entryPath] = l
	}
}

func (c *Config) mergeCloudProfiles(incoming []CloudAuthProfile, l layer) {
	for _, in := range incoming {
		if in.Name == "" {
			continue
		}
		idx := -1
		for i := range c.CloudProfiles {
			if c.CloudProfiles[i].Name == in.Name {
				idx = i
				break
			}
		}
		entryPath := "cloud_auth_configs." + in.Name
		if idx < 0 {
			c.CloudProfiles = append(c.CloudProfiles, in)
			c.origin[entryPath] = l
			continue
		}
		if l < c.originOf(entryPath) {
			continue
		}
		existing := c.CloudProfiles[idx]
		merged := in
		restore := func(field string, apply func(*CloudAuthProfile)) {
			if c.originOf(entryPath+"."+field) > l {
				apply(&merged)
			}
		}
		restore("tenancy", func(p *CloudAuthProfile) { p.Tenancy = existing.Tenancy })
		restore("region", func(p *CloudAuthProfile) { p.Region = existing.Region })
		restore("user", func(p *CloudAuthProfile) { p.User = existing.User })
		restore("fingerprint", func(p *CloudAuthProfile) { p.Fingerprint = existing.Fingerprint })
		restore("key_file", func(p *CloudAuthProfile) { p.KeyFile = existing.KeyFile })
		restore("security_token_file", func(p *CloudAuthProfile) { p.SecurityTokenFile = existing.SecurityTokenFile })
		restore("authentication", func(p *CloudAuthProfile) { p.Authentication = existing.Authentication })
		restore("compartment_id", func(p *CloudAuthProfile) { p.CompartmentID = existing.CompartmentID })
		restore("service_endpoint", func(p *CloudAuthProfile) { p.ServiceEndpoint = existing.ServiceEndpoint })
		c.CloudProfiles[idx] = merged
		c.origin[entryPath] = l
	}
}
