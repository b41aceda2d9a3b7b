// Package instance lays out the data directory of a named bridge instance.
package instance

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.pipebridge.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pipebridge")
}

// Dir returns the instance-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "instances", name)
}

// SocketPath returns the control socket path for an instance.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "control.sock")
}

// StoreDBPath returns the bridge store path.
func StoreDBPath(name string) string {
	return filepath.Join(Dir(name), "pipebridge.db")
}

// WhatsAppDBPath returns the whatsmeow device store path.
func WhatsAppDBPath(name string) string {
	return filepath.Join(Dir(name), "whatsapp.db")
}

// QRPath returns where the login QR code image is written.
func QRPath(name string) string {
	return filepath.Join(Dir(name), "whatsapp-qr.png")
}

// EnvPath returns the per-instance credentials file.
func EnvPath(name string) string {
	return filepath.Join(Dir(name), ".env")
}

// LogDir returns the log directory for an instance.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "pipebridged.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the instance directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
