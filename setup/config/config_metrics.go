package config

// Metrics exposes Prometheus metrics on /metrics.
type Metrics struct {
	Enabled bool `yaml:"enabled"`

	// Use HTTP basic auth to protect the metrics and admin endpoints.
	// Leave both empty to disable.
	BasicAuth struct {
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"basic_auth"`
}

func (c *Metrics) Defaults() {
	c.Enabled = false
	c.BasicAuth.Username = ""
	c.BasicAuth.Password = ""
}

func (c *Metrics) Verify(configErrs *ConfigErrors) {
	if (c.BasicAuth.Username == "") != (c.BasicAuth.Password == "") {
		configErrs.Add("metrics.basic_auth needs both a username and a password, or neither")
	}
}

// Sentry reports panics recovered while dispatching streams.
type Sentry struct {
	Enabled bool `yaml:"enabled"`
	// The DSN to connect to e.g "https://examplePublicKey@o0.ingest.sentry.io/0"
	// See https://docs.sentry.io/platforms/go/configuration/options/
	DSN string `yaml:"dsn"`
	// The environment e.g "production"
	// See https://docs.sentry.io/platforms/go/configuration/environments/
	Environment string `yaml:"environment"`
}

func (c *Sentry) Defaults() {
	c.Enabled = false
	c.DSN = ""
	c.Environment = ""
}

func (c *Sentry) Verify(configErrs *ConfigErrors) {
	if c.Enabled {
		checkNotEmpty(configErrs, "sentry.dsn", c.DSN)
	}
}
