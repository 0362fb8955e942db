// update_yaml.go
package conf

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SaveTrainingConfig persists a new active training configuration into the
// YAML config file and applies it to the in-memory settings instance.
// It writes to a temporary file and then replaces the original file to
// ensure atomic updates.
func SaveTrainingConfig(cfg *TrainingConfig) error {
	if err := ValidateTrainingConfig(cfg); err != nil {
		return err
	}

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")

	if err := updateYAMLSection(configPath, "training", cfg); err != nil {
		return err
	}

	settingsMutex.Lock()
	if settingsInstance != nil {
		settingsInstance.Training = *cfg
	}
	settingsMutex.Unlock()

	return nil
}

// updateYAMLSection replaces one top-level section of the YAML config file,
// preserving all other sections.
func updateYAMLSection(configPath, section string, value any) error {
	doc := map[string]any{}

	if raw, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("error parsing config file %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("error reading config file %s: %w", configPath, err)
	}

	doc[section] = value

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config.yaml.tmp")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempName := tempFile.Name()

	if _, err := tempFile.Write(out); err != nil {
		tempFile.Close()
		os.Remove(tempName)
		return fmt.Errorf("error writing temporary config file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("error closing temporary config file: %w", err)
	}

	if err := os.Rename(tempName, configPath); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("error replacing config file: %w", err)
	}

	return nil
}
