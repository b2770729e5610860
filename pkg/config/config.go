package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".dmactl"
	configFile string = "config.yml"

	// configDirEnv overrides the directory holding config.yml.
	configDirEnv = "DMACTL_CONFIG_DIR"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Device is the default device locator used when --device is not
	// passed on the command line.
	Device string `yaml:"device"`

	// Command aliases for the interactive shell.
	Aliases map[string][]string `yaml:"aliases"`

	// MaxStringLen is the maximum number of bytes the string and
	// read_string commands read from the target.
	MaxStringLen *int `yaml:"max-string-len,omitempty"`

	// ExportCacheSize is the number of resolved export addresses each
	// attached process keeps.
	ExportCacheSize *int `yaml:"export-cache-size,omitempty"`

	// HexdumpWidth is the number of bytes printed per hexdump line.
	HexdumpWidth int `yaml:"hexdump-width"`

	// DisassembleFlavor is the syntax used by disasm: intel, gnu or go.
	DisassembleFlavor *string `yaml:"disassemble-flavor,omitempty"`
}

const (
	defaultMaxStringLen    = 256
	defaultExportCacheSize = 512
	defaultHexdumpWidth    = 16
)

// StringLen returns the configured maximum string length or its default.
func (c *Config) StringLen() int {
	if c == nil || c.MaxStringLen == nil || *c.MaxStringLen <= 0 {
		return defaultMaxStringLen
	}
	return *c.MaxStringLen
}

// ExportCache returns the configured export cache size or its default.
func (c *Config) ExportCache() int {
	if c == nil || c.ExportCacheSize == nil || *c.ExportCacheSize <= 0 {
		return defaultExportCacheSize
	}
	return *c.ExportCacheSize
}

// Width returns the configured hexdump width or its default.
func (c *Config) Width() int {
	if c == nil || c.HexdumpWidth <= 0 {
		return defaultHexdumpWidth
	}
	return c.HexdumpWidth
}

// Flavor returns the configured disassembly flavor, defaulting to intel.
func (c *Config) Flavor() string {
	if c == nil || c.DisassembleFlavor == nil {
		return "intel"
	}
	switch *c.DisassembleFlavor {
	case "gnu", "go":
		return *c.DisassembleFlavor
	}
	return "intel"
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
		if err := createDefaultConfig(fullConfigFile); err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}

	c, err := LoadConfigFrom(fullConfigFile)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

// LoadConfigFrom reads and decodes the configuration file at path.
func LoadConfigFrom(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open config file: %v", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	err = writeDefaultConfig(f)
	if err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for dmactl.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Device locator used when --device is not given, for example:
#   sim://demo
#   minidump://C:\dumps\target.dmp
#   snapshot:///home/me/target.yml
#   linux://
# device: ""

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Maximum number of bytes read by the string command.
# max-string-len: 256

# Number of resolved export addresses cached per attached process.
# export-cache-size: 512

# Bytes printed per hexdump line.
# hexdump-width: 16

# Uncomment the following line to change the syntax used by disasm (intel, gnu or go).
# disassemble-flavor: intel
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if dir := os.Getenv(configDirEnv); dir != "" {
		return filepath.Join(dir, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return filepath.Join(userHomeDir, configDir, file), nil
}
