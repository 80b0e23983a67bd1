package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DEVICEFLOW"

// LookupEnv resolves environment overrides. Tests replace it.
var LookupEnv = os.LookupEnv

// Load reads the YAML file at path on top of Default and applies environment
// overrides. A missing file is not an error; the defaults and environment
// still apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := Decode(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode unmarshals a YAML document into cfg, keeping values the document
// does not mention. Unknown keys are rejected.
func Decode(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Encode marshals cfg as a YAML document.
func Encode(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ApplyEnv overrides settings from DEVICEFLOW_<SECTION>_<KEY> variables, for
// example DEVICEFLOW_MQTT_RECONNECT_BACKOFF=10s.
func (c *Config) ApplyEnv() error {
	var errs []error
	c.walk(func(section, key string, field reflect.Value) {
		value, ok := LookupEnv(EnvName(section, key))
		if !ok {
			return
		}
		if err := assign(field, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvName(section, key), err))
		}
	})
	return errors.Join(errs...)
}

// EnvName returns the environment variable overriding section.key.
func EnvName(section, key string) string {
	return EnvPrefix + "_" + strings.ToUpper(section) + "_" + strings.ToUpper(key)
}
