package config

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LogrusHook represents a single logrus hook. At this point, only parsing
// and verification of the proper values for type and level are done.
// Validity/integrity checks on the parameters are done when configuring
// logrus.
type LogrusHook struct {
	// The type of hook, currently only "file" and "std" are supported.
	Type string `yaml:"type"`

	// The level of the logs to produce. Will output only this level and
	// above.
	Level string `yaml:"level"`

	// The parameters for this hook.
	Params map[string]interface{} `yaml:"params"`
}

func (l *LogrusHook) Verify(configErrs *ConfigErrors) {
	switch l.Type {
	case "std":
	case "file":
		path, _ := l.Params["path"].(string)
		checkNotEmpty(configErrs, "logging.params.path", path)
	default:
		configErrs.Add(fmt.Sprintf("unknown logging type %q, expected one of \"std\", \"file\"", l.Type))
	}
	if _, err := logrus.ParseLevel(l.Level); err != nil {
		configErrs.Add(fmt.Sprintf("invalid log level %q for config key %q", l.Level, "logging.level"))
	}
}
