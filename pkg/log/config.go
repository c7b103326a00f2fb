package log

import (
	"fmt"

	"github.com/spf13/pflag"
)

type Config struct {
	// Level is the minimum record level to log. Either 'debug', 'info', 'warn'
	// or 'error'.
	Level string `json:"level" yaml:"level"`

	// Subsystems enables debug logging on log records whose 'subsystem'
	// matches one of the given values (overrides `Level`).
	Subsystems []string `json:"subsystems" yaml:"subsystems"`

	// Format is the record encoding. Either 'json' or 'console'.
	Format string `json:"format" yaml:"format"`

	// Output is where to write records. Either 'stderr', 'stdout' or a file
	// path.
	Output string `json:"output" yaml:"output"`
}

func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Output: "stderr",
	}
}

func (c *Config) Validate() error {
	if c.Level == "" {
		return fmt.Errorf("missing level")
	}
	if _, err := zapLevelFromString(c.Level); err != nil {
		return err
	}
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("unsupported format: %s", c.Format)
	}
	if c.Output == "" {
		return fmt.Errorf("missing output")
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.Level,
		"log.level",
		c.Level,
		`
Minimum log level to output.

The available levels are 'debug', 'info', 'warn' and 'error'.`,
	)
	fs.StringSliceVar(
		&c.Subsystems,
		"log.subsystems",
		c.Subsystems,
		`
Each log has a 'subsystem' field where the log occured.

'--log.subsystems' enables all log levels for those given subsystems. This
can be useful to debug a particular subsystem without having to enable all
debug logs.

Such as you can enable gossip logs with '--log.subsystems gossip'.`,
	)
	fs.StringVar(
		&c.Format,
		"log.format",
		c.Format,
		`
Log record encoding, either 'json' or 'console'.

'console' is easier to read when running a node locally or running the
simulator.`,
	)
	fs.StringVar(
		&c.Output,
		"log.output",
		c.Output,
		`
Where to write log records, either 'stderr', 'stdout' or a file path.`,
	)
}
