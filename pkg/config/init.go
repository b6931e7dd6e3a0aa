package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const configHeader = `# Coyote Configuration File
#
# Environment variables override any value here, e.g.
#   COYOTE_LOGGING_LEVEL=DEBUG
#   COYOTE_CONNECTOR_PORT=7171
#
# Generate a JSON schema for editor completion with:
#   coyote config schema --output config.schema.json

`

// InitConfig writes a sample configuration to the default location and
// returns its path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a sample configuration to path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", path)
		}
	}

	data, err := GenerateSampleConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateSampleConfig renders the default configuration with a freshly
// generated nonce key and an admin digest user.
func GenerateSampleConfig() ([]byte, error) {
	cfg := GetDefaultConfig()
	cfg.Digest.Key = randomSecret()
	cfg.Digest.Users = map[string]string{"admin": randomSecret()[:16]}

	body, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(configHeader)
	buf.Write(body)
	return buf.Bytes(), nil
}

func randomSecret() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}
