// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// Version is the current version of the config format.
const Version = 1

// MatrixSSE contains all the config used by the SSE bridge.
type MatrixSSE struct {
	// The version of the configuration file.
	Version int `yaml:"version"`

	// The address to listen for client connections on.
	Listen string `yaml:"listen"`

	Homeserver   Homeserver   `yaml:"homeserver"`
	Stream       Stream       `yaml:"stream"`
	RateLimiting RateLimiting `yaml:"rate_limiting"`
	Metrics      Metrics      `yaml:"metrics"`
	Sentry       Sentry       `yaml:"sentry"`
	Logging      []LogrusHook `yaml:"logging"`
}

// ConfigErrors stores problems encountered when parsing a config file.
type ConfigErrors []string

// Add appends an error to the list of errors.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// ConfigErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// Load a yaml config file. Relative paths in the config are resolved
// against the directory the file lives in.
func Load(configPath string) (*MatrixSSE, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	basePath, err := filepath.Abs(filepath.Dir(configPath))
	if err != nil {
		return nil, err
	}
	return loadConfig(basePath, configData)
}

func loadConfig(basePath string, configData []byte) (*MatrixSSE, error) {
	var c MatrixSSE
	c.Defaults()
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return nil, err
	}
	if err := c.check(); err != nil {
		return nil, err
	}
	c.resolvePaths(basePath)
	return &c, nil
}

// Defaults populates the config with sensible values. They are overwritten
// by whatever the config file sets.
func (c *MatrixSSE) Defaults() {
	c.Version = Version
	c.Listen = ":8008"
	c.Homeserver.Defaults()
	c.Stream.Defaults()
	c.RateLimiting.Defaults()
	c.Metrics.Defaults()
	c.Sentry.Defaults()
	c.Logging = []LogrusHook{{Type: "std", Level: "info"}}
}

// Verify checks the config for problems, recording them in configErrs.
func (c *MatrixSSE) Verify(configErrs *ConfigErrors) {
	if c.Version != Version {
		configErrs.Add(fmt.Sprintf("unknown config version %d, expected %d", c.Version, Version))
	}
	checkNotEmpty(configErrs, "listen", c.Listen)
	c.Homeserver.Verify(configErrs)
	c.Stream.Verify(configErrs)
	c.RateLimiting.Verify(configErrs)
	c.Metrics.Verify(configErrs)
	c.Sentry.Verify(configErrs)
	for i := range c.Logging {
		c.Logging[i].Verify(configErrs)
	}
}

func (c *MatrixSSE) check() error {
	var configErrs ConfigErrors
	c.Verify(&configErrs)
	if len(configErrs) > 0 {
		return configErrs
	}
	return nil
}

func (c *MatrixSSE) resolvePaths(basePath string) {
	for i, hook := range c.Logging {
		if hook.Type != "file" {
			continue
		}
		if path, ok := hook.Params["path"].(string); ok && path != "" && !filepath.IsAbs(path) {
			c.Logging[i].Params["path"] = filepath.Join(basePath, path)
		}
	}
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if strings.TrimSpace(value) == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies that the value is positive.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}
