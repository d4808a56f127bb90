package config

import (
	"fmt"
	"time"

	"github.com/element-hq/matrix-sse/streamapi/types"
)

type Stream struct {
	// The heartbeat interval for connections which don't ask for one.
	DefaultHeartbeat time.Duration `yaml:"default_heartbeat"`

	// How often connections are checked for a due heartbeat.
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`

	// Delay applied before re-polling after consecutive /sync failures.
	ErrorBackoff Backoff `yaml:"error_backoff"`

	// How results are shaped for connections that don't choose.
	Shaping types.ShapeMode `yaml:"shaping"`

	// How long a single write to a client may block before the client is
	// considered gone. Zero disables the deadline.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Backoff doubles from Initial up to Max for every consecutive failure.
// An Initial of zero re-polls immediately.
type Backoff struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

func (c *Stream) Defaults() {
	c.DefaultHeartbeat = 5 * time.Second
	c.HeartbeatPeriod = 500 * time.Millisecond
	c.ErrorBackoff = Backoff{Initial: time.Second, Max: 30 * time.Second}
	c.Shaping = types.ShapeMode{}
	c.WriteTimeout = 5 * time.Second
}

func (c *Stream) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "stream.default_heartbeat", int64(c.DefaultHeartbeat))
	checkPositive(configErrs, "stream.heartbeat_period", int64(c.HeartbeatPeriod))
	if c.ErrorBackoff.Initial < 0 {
		configErrs.Add(fmt.Sprintf("invalid duration for config key %q: %s", "stream.error_backoff.initial", c.ErrorBackoff.Initial))
	}
	if c.WriteTimeout < 0 {
		configErrs.Add(fmt.Sprintf("invalid duration for config key %q: %s", "stream.write_timeout", c.WriteTimeout))
	}
	if c.ErrorBackoff.Initial > 0 && c.ErrorBackoff.Max < c.ErrorBackoff.Initial {
		configErrs.Add("stream.error_backoff.max must not be less than stream.error_backoff.initial")
	}
}

// Delay returns the backoff before the next attempt after the given
// number of consecutive failures.
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 || b.Initial <= 0 {
		return 0
	}
	d := b.Initial
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
