// Package sandbox resolves opaque folder identifiers to canonical on-disk
// paths under a fixed root and owns the per-directory sidecar config.
package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ConfigFileName is the sidecar config file colocated with each directory.
const ConfigFileName = ".folder-config.json"

// ErrEscape is returned when a resolved path would leave the sandbox root.
var ErrEscape = errors.New("path escapes sandbox root")

// FolderConfig is the persisted sidecar document for a sandboxed directory.
type FolderConfig struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	PasswordHash string    `json:"passwordHash"`
	MaxSizeBytes int64     `json:"maxSizeBytes"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ConfigOptions override the password and quota when creating or updating a
// sidecar config. PasswordHash takes precedence over Password and is stored
// as-is; sub-folders use it to inherit their parent's credential.
type ConfigOptions struct {
	Password     string
	PasswordHash string
	MaxSizeBytes int64
}

// Sandbox anchors all folder ids under a fixed filesystem root.
type Sandbox struct {
	root         string
	defaultQuota int64

	mu       sync.Mutex
	dirLocks map[string]*sync.Mutex
}

// New creates a Sandbox rooted at root, creating it if absent. An unusable
// root is a fatal startup condition for the caller.
func New(root string, defaultQuota int64) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create root %s: %w", abs, err)
	}
	probe, err := os.CreateTemp(abs, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("root %s is not writable: %w", abs, err)
	}
	probe.Close()
	os.Remove(probe.Name())

	return &Sandbox{
		root:         abs,
		defaultQuota: defaultQuota,
		dirLocks:     make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the absolute sandbox root.
func (s *Sandbox) Root() string {
	return s.root
}

// Sanitize normalizes path separators and strips traversal sequences. The
// result can never be used to escape the root: it is slash-based, relative,
// and contains no ".." segments ("" means the root itself).
func Sanitize(raw string) string {
	p := strings.TrimSpace(raw)
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p) // force absolute for stable cleaning
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// join returns the absolute path for a sanitized relative path, rejecting
// anything that does not stay within the root.
func (s *Sandbox) join(rel string) (string, error) {
	if strings.Contains(rel, "\x00") {
		return "", ErrEscape
	}
	rel = Sanitize(rel)
	if rel == "" {
		return s.root, nil
	}
	abs := filepath.Clean(filepath.Join(s.root, filepath.FromSlash(rel)))
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", ErrEscape
	}
	return abs, nil
}

// Resolve maps a folder id to its canonical directory path, creating the
// directory if absent.
func (s *Sandbox) Resolve(id string) (string, error) {
	dir, err := s.join(id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", id, err)
	}
	return dir, nil
}

// Locate maps a folder id to its canonical directory path without creating
// anything. Existence checks use this so a lookup never leaves an empty
// directory behind.
func (s *Sandbox) Locate(id string) (string, error) {
	return s.join(id)
}

// ResolveFile maps a sanitized directory path plus file name to an absolute
// path within the root without creating anything.
func (s *Sandbox) ResolveFile(dirPath, name string) (string, error) {
	return s.join(path.Join(Sanitize(dirPath), Sanitize(name)))
}

// dirLock returns the mutex serializing sidecar writes for one directory.
func (s *Sandbox) dirLock(dir string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.dirLocks[dir]
	if !ok {
		l = &sync.Mutex{}
		s.dirLocks[dir] = l
	}
	return l
}

// LoadOrCreateConfig returns the sidecar config for a folder id, creating the
// directory and a default config when absent. When opts is non-nil the stored
// password and quota are updated and persisted.
func (s *Sandbox) LoadOrCreateConfig(id string, opts *ConfigOptions) (*FolderConfig, error) {
	dir, err := s.Resolve(id)
	if err != nil {
		return nil, err
	}

	lock := s.dirLock(dir)
	lock.Lock()
	defer lock.Unlock()

	cfg, err := readConfigFile(filepath.Join(dir, ConfigFileName))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config for %s: %w", id, err)
	}

	if cfg == nil {
		cfg = &FolderConfig{
			ID:           id,
			Path:         dir,
			MaxSizeBytes: s.defaultQuota,
			CreatedAt:    time.Now().UTC(),
		}
		password := ""
		if opts != nil {
			password = opts.Password
			if opts.MaxSizeBytes > 0 {
				cfg.MaxSizeBytes = opts.MaxSizeBytes
			}
		}
		if opts != nil && opts.PasswordHash != "" {
			cfg.PasswordHash = opts.PasswordHash
		} else {
			hash, err := hashPassword(password)
			if err != nil {
				return nil, err
			}
			cfg.PasswordHash = hash
		}
		if err := s.writeConfig(dir, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	if opts != nil {
		changed := false
		if opts.MaxSizeBytes > 0 && opts.MaxSizeBytes != cfg.MaxSizeBytes {
			cfg.MaxSizeBytes = opts.MaxSizeBytes
			changed = true
		}
		if opts.PasswordHash != "" && opts.PasswordHash != cfg.PasswordHash {
			cfg.PasswordHash = opts.PasswordHash
			changed = true
		} else if opts.Password != "" {
			hash, err := hashPassword(opts.Password)
			if err != nil {
				return nil, err
			}
			cfg.PasswordHash = hash
			changed = true
		}
		if changed {
			if err := s.writeConfig(dir, cfg); err != nil {
				return nil, err
			}
		}
	}
	return cfg, nil
}

// ReadConfig returns the sidecar config stored in dir, or nil when none
// exists. dir must already be an absolute path within the root.
func (s *Sandbox) ReadConfig(dir string) (*FolderConfig, error) {
	cfg, err := readConfigFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return cfg, nil
}

// CheckPassword verifies a plaintext password against a folder config.
func CheckPassword(cfg *FolderConfig, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(cfg.PasswordHash), []byte(password)) == nil
}

func (s *Sandbox) writeConfig(dir string, cfg *FolderConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := filepath.Join(dir, ConfigFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, ConfigFileName)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func readConfigFile(path string) (*FolderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FolderConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
