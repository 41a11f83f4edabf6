package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

const fileHeader = `# keygate configuration
#
# Every key can be overridden with a KEYGATE_ environment variable, for
# example KEYGATE_STORE_DRIVER=postgres or KEYGATE_ADMISSION_MODE=session.
# MAX_LOGINS, MAX_SESSIONS, TARGET_PRODUCT_IDS, RENEWAL_IDENTITY_KEY and
# SUBSCRIPTION_PERIOD are also honoured.

`

// ErrConfigExists is returned by WriteDefaultConfig when path exists and
// force is false.
var ErrConfigExists = errors.New("config file already exists")

// MarshalYAML renders s as a YAML document.
func MarshalYAML(s *Settings) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LoadYAMLFile reads a settings file on top of the defaults. Environment
// variables referenced as ${VAR_NAME} are expanded before parsing.
func LoadYAMLFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	s := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), s); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WriteDefaultConfig writes the default settings to path.
func WriteDefaultConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s (use --force to overwrite)", ErrConfigExists, path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	body, err := MarshalYAML(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, append([]byte(fileHeader), body...), 0o600)
}
