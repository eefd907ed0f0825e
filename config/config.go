package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "proxishare"
	// DefaultServicePort is used when no user override exists; 0 means
	// OS-assigned per the external interfaces contract.
	DefaultServicePort = 0
	// PortModeAutomatic picks an available UDP port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured service port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// dataDirEnvOverride lets tests and packaged builds redirect the app
	// data directory without touching the OS-default resolution below.
	dataDirEnvOverride = "PROXISHARE_DATA_DIR"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID              string `json:"device_id"`
	DeviceName            string `json:"device_name"`
	PortMode              string `json:"port_mode"`
	ServicePort           int    `json:"service_port"`
	Ed25519PrivateKeyPath string `json:"ed25519_private_key_path"`
	Ed25519PublicKeyPath  string `json:"ed25519_public_key_path"`
	CertificatePath       string `json:"certificate_path"`
	KeyFingerprint        string `json:"key_fingerprint"`
	SyncFolder            string `json:"sync_folder,omitempty"`
}

// Validate reports whether cfg holds a shape Init and the rest of the
// engine can safely act on. It does not attempt to fix anything — that
// is backfillDefaults' job during LoadOrCreate — it only flags a
// config.json a user (or a future version of this program) has left in
// a state nothing downstream can interpret.
func (c *DeviceConfig) Validate() error {
	if c.DeviceID == "" {
		return errors.New("device_id is empty")
	}
	if normalizePortMode(c.PortMode) == "" {
		return fmt.Errorf("port_mode %q is neither %q nor %q", c.PortMode, PortModeAutomatic, PortModeFixed)
	}
	if c.ServicePort < 0 || c.ServicePort > 65535 {
		return fmt.Errorf("service_port %d is out of range", c.ServicePort)
	}
	if c.PortMode == PortModeFixed && c.ServicePort == 0 {
		return errors.New("port_mode is fixed but service_port is unset")
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory, honoring
// dataDirEnvOverride when set.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(dataDirEnvOverride); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return platformDataDir(home), nil
}

func platformDataDir(home string) string {
	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName)
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName)
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName)
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, keysDir(dataDir), DownloadsDir(dataDir)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DownloadsDir returns the default destination directory for received
// files; SyncFolder overrides it once a device has been configured.
func DownloadsDir(dataDir string) string {
	return filepath.Join(dataDir, "downloads")
}

func keysDir(dataDir string) string {
	return filepath.Join(dataDir, "keys")
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
// A config.json missing fields introduced by a later version of this
// program (a new key path, a new port field) is backfilled in place
// rather than rejected, so upgrading never requires deleting state.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
		cfg = newDeviceConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	if backfillDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func newDeviceConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{
		DeviceID:    uuid.NewString(),
		DeviceName:  defaultDeviceName(),
		PortMode:    PortModeAutomatic,
		ServicePort: DefaultServicePort,
	}
	applyDefaultKeyPaths(cfg, dataDir)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "ProxiShare Device"
}

func applyDefaultKeyPaths(cfg *DeviceConfig, dataDir string) {
	dir := keysDir(dataDir)
	cfg.Ed25519PrivateKeyPath = filepath.Join(dir, "ed25519_private.pem")
	cfg.Ed25519PublicKeyPath = filepath.Join(dir, "ed25519_public.pem")
	cfg.CertificatePath = filepath.Join(dir, "identity_cert.pem")
}

// backfillDefaults fills in any field a config.json predating this
// field left blank, reporting whether it changed anything. Each fixer
// runs unconditionally over the same cfg so a config with several gaps
// (an old file missing both a key path and a device name) is repaired
// in one pass rather than requiring several LoadOrCreate round trips.
func backfillDefaults(cfg *DeviceConfig, dataDir string) bool {
	fixers := []func(*DeviceConfig, string) bool{
		fixDeviceID,
		fixDeviceName,
		fixPortMode,
		fixKeyPaths,
	}

	changed := false
	for _, fix := range fixers {
		if fix(cfg, dataDir) {
			changed = true
		}
	}
	return changed
}

func fixDeviceID(cfg *DeviceConfig, _ string) bool {
	if cfg.DeviceID != "" {
		return false
	}
	cfg.DeviceID = uuid.NewString()
	return true
}

func fixDeviceName(cfg *DeviceConfig, _ string) bool {
	if cfg.DeviceName != "" {
		return false
	}
	cfg.DeviceName = defaultDeviceName()
	return true
}

func fixPortMode(cfg *DeviceConfig, _ string) bool {
	changed := false

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ServicePort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		changed = true
	}

	if cfg.PortMode == PortModeAutomatic && cfg.ServicePort < 0 {
		cfg.ServicePort = 0
		changed = true
	}
	return changed
}

func fixKeyPaths(cfg *DeviceConfig, dataDir string) bool {
	if cfg.Ed25519PrivateKeyPath != "" && cfg.Ed25519PublicKeyPath != "" && cfg.CertificatePath != "" {
		return false
	}

	dir := keysDir(dataDir)
	if cfg.Ed25519PrivateKeyPath == "" {
		cfg.Ed25519PrivateKeyPath = filepath.Join(dir, "ed25519_private.pem")
	}
	if cfg.Ed25519PublicKeyPath == "" {
		cfg.Ed25519PublicKeyPath = filepath.Join(dir, "ed25519_public.pem")
	}
	if cfg.CertificatePath == "" {
		cfg.CertificatePath = filepath.Join(dir, "identity_cert.pem")
	}
	return true
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
