package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load decodes the YAML file at path into conf. Unknown fields are
// rejected.
//
// If expandEnv is set, references to environment variables in the file are
// replaced by their values before decoding, where '${VAR:default}' uses
// 'default' when VAR is unset.
func Load(path string, conf interface{}, expandEnv bool) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %s: %w", path, err)
	}

	if expandEnv {
		buf = []byte(os.Expand(string(buf), lookupEnv))
	}

	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)

	if err := dec.Decode(conf); err != nil {
		return fmt.Errorf("parse config: %s: %w", path, err)
	}

	return nil
}

func lookupEnv(s string) string {
	name, def, _ := strings.Cut(s, ":")
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}
