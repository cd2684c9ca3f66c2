package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configHeader = `# cerver Configuration File
#
# Every value below is a default. Remove what you do not change.
# Environment variables override the file: CERVER_<SECTION>_<KEY>,
# for example CERVER_CERVER_PORT=7001 or CERVER_LOGGING_LEVEL=DEBUG.
`

// sectionComments are written above the top-level keys.
var sectionComments = map[string]string{
	"logging": "Logging: level DEBUG|INFO|WARN|ERROR, format text|json, output stdout|stderr|<path>.\nRotation applies to file output (sizes in MB, age in days).",
	"server":  "Process settings. The metrics server exposes /metrics and /healthz.",
	"cerver": "Packet server. Tables bound the on-hold, main and admin connection sets.\n" +
		"Authentication moves new connections through the on-hold table until they\n" +
		"present credentials (user\\0password) or a session token.",
	"users": "User name -> bcrypt hash. Create hashes with: cerver hash-password",
}

// InitConfig writes the default configuration to the default location and
// returns its path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes the default configuration to path, creating parent
// directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Users hold password hashes, keep the file private.
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateYAMLWithComments renders cfg as YAML with a header and a comment
// above every section.
func generateYAMLWithComments(cfg *Config) (string, error) {
	values, err := toMap(cfg)
	if err != nil {
		return "", err
	}

	var doc yaml.Node
	if err := doc.Encode(values); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}

	// A mapping node alternates key and value nodes.
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i]
		if comment, ok := sectionComments[key.Value]; ok {
			key.HeadComment = comment
		}
	}

	var buf bytes.Buffer
	buf.WriteString(configHeader)
	buf.WriteString("\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	return buf.String(), nil
}
