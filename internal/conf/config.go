// config.go: This file contains the configuration for the flywheel pipeline. It defines the settings struct and functions to load and save the settings.
package conf

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/spf13/viper"
)

// LogConfig contains settings for one log output.
type LogConfig struct {
	Enabled  bool         // true to enable this log
	Path     string       // path to log file
	Rotation RotationType // rotation type
	MaxSize  int64        // max size in bytes for RotationSize
}

// RotationType defines different types of log rotations.
type RotationType string

const (
	RotationDaily  RotationType = "daily"
	RotationWeekly RotationType = "weekly"
	RotationSize   RotationType = "size"
)

// MainSettings contains general application settings.
type MainSettings struct {
	Name string    // name of this node, used in events and logs
	Log  LogConfig // main log settings
}

// OutputSettings contains database backend settings.
type OutputSettings struct {
	SQLite SQLiteSettings // SQLite database settings
	MySQL  MySQLSettings  // MySQL database settings
}

// SQLiteSettings contains settings for the SQLite backend.
type SQLiteSettings struct {
	Enabled bool   // true to enable the SQLite backend
	Path    string // path to the SQLite database file
}

// MySQLSettings contains settings for the MySQL backend.
type MySQLSettings struct {
	Enabled  bool   // true to enable the MySQL backend
	Username string // MySQL username
	Password string // MySQL password
	Database string // MySQL database name
	Host     string // MySQL host
	Port     string // MySQL port
}

// TrainingConfig is the active training configuration read by new retraining runs.
// A snapshot of it is frozen into every ModelVersion at registration time.
type TrainingConfig struct {
	Epochs              int     `json:"epochs" yaml:"epochs"`
	BatchSize           int     `json:"batch_size" yaml:"batchsize" mapstructure:"batchsize"`
	LearningRate        float64 `json:"learning_rate" yaml:"learningrate" mapstructure:"learningrate"`
	Optimizer           string  `json:"optimizer" yaml:"optimizer"`
	Dropout             float64 `json:"dropout" yaml:"dropout"`
	AugmentationApplied bool    `json:"augmentation_applied" yaml:"augmentation" mapstructure:"augmentation"`
}

// RetrainSettings contains settings for the retraining orchestrator.
type RetrainSettings struct {
	MinNewLabels       int     // unused-label count that arms the retrain trigger
	ValidationFraction float64 // fraction of labels held out for validation
	ArtifactDir        string  // directory where model artifacts live
	ComparisonMetric   string  // metric used to compare candidate vs production
	TrainerCommand     string  // external training command, empty to require an embedded trainer
}

// SamplerSettings contains settings for the uncertainty sampler prediction cache.
type SamplerSettings struct {
	CacheTTLMinutes     int // how long cached prediction sets stay valid
	CacheSweepMinutes   int // cleanup interval for expired prediction sets
	DefaultCandidateTop int // default k for top-k candidate listing
}

// MetricsSettings contains settings for the Prometheus metrics endpoint.
type MetricsSettings struct {
	Enabled bool   // true to expose metrics over HTTP
	Listen  string // listen address for the metrics endpoint
}

// Settings contains all runtime settings for the pipeline.
type Settings struct {
	Debug bool // true to enable debug log messages

	Main     MainSettings
	Output   OutputSettings
	Retrain  RetrainSettings
	Training TrainingConfig
	Sampler  SamplerSettings
	Metrics  MetricsSettings
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
	once             sync.Once
)

// Load reads the configuration into a new Settings instance and stores it
// as the package-wide instance returned by Setting().
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper sets up viper with config name, search paths and defaults,
// creating a default config file when none exists yet.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}

	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	// Set default values for each configuration parameter
	// function defined in defaults.go
	setDefaultConfig()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return createDefaultConfig()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig writes a config file populated with the defaults.
func createDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	if err := viper.SafeWriteConfigAs(configPath); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	fmt.Println("Created default config file at:", configPath)
	return viper.ReadInConfig()
}

// Setting returns the current settings instance, loading it on first use.
func Setting() *Settings {
	once.Do(func() {
		if settingsInstance == nil {
			if _, err := Load(); err != nil {
				log.Fatalf("Error loading settings: %v", err)
			}
		}
	})
	return GetSettings()
}

// GetSettings returns the current settings instance without triggering a load.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// SetSettings replaces the current settings instance. Intended for tests and
// for applying a reloaded configuration atomically.
func SetSettings(s *Settings) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()
	settingsInstance = s
}

// GetDefaultConfigPaths returns the platform specific search paths for config.yaml.
// If a config file already exists in one of the paths, only that path is returned.
func GetDefaultConfigPaths() ([]string, error) {
	var configPaths []string

	exePath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("error getting executable path: %w", err)
	}
	exeDir := filepath.Dir(exePath)

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("error getting user home directory: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		configPaths = []string{
			exeDir,
			filepath.Join(homeDir, "AppData", "Roaming", "flywheel"),
		}
	default:
		configPaths = []string{
			filepath.Join(homeDir, ".config", "flywheel"),
			"/etc/flywheel",
		}
	}

	for _, path := range configPaths {
		configFile := filepath.Join(path, "config.yaml")
		if _, err := os.Stat(configFile); err == nil {
			return []string{path}, nil
		}
	}

	return configPaths, nil
}

// GetBasePath expands a possibly relative directory against the config
// directory and makes sure it exists.
func GetBasePath(path string) string {
	if filepath.IsAbs(path) {
		_ = os.MkdirAll(path, 0o755)
		return path
	}

	configPaths, err := GetDefaultConfigPaths()
	if err != nil || len(configPaths) == 0 {
		_ = os.MkdirAll(path, 0o755)
		return path
	}

	basePath := filepath.Join(configPaths[0], path)
	_ = os.MkdirAll(basePath, 0o755)
	return basePath
}
