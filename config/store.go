package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/tidwall/jsonc"
)

// Store reads and writes the config document. Credentials are decrypted on
// load and re-encrypted on save; writes replace the file atomically.
type Store struct {
	mu     sync.Mutex
	path   string
	cipher *Cipher
}

// NewStore creates a Store at path, or at the default location when path is
// empty.
func NewStore(path string) (*Store, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	return &Store{path: path, cipher: NewCipher()}, nil
}

// NewStoreWithCipher creates a Store with an explicit cipher. Tests use it
// to pin the key to a fixed machine identity.
func NewStoreWithCipher(path string, cipher *Cipher) *Store {
	return &Store{path: path, cipher: cipher}
}

// Path returns the backing file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the document, tolerating JSONC comments, and decrypts the
// credential fields. A missing file yields a saved default document.
func (s *Store) Load() (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		cfg := NewDefault()
		if err := s.saveLocked(cfg); err != nil {
			return nil, fmt.Errorf("save default config: %w", err)
		}
		return cfg, nil
	}

	var cfg Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.ListenInterfaces) == 0 {
		cfg.ListenInterfaces = []string{"0.0.0.0"}
	}
	for _, p := range cfg.Printers {
		p.ApplyDefaults()
		if err := s.decryptPrinter(p); err != nil {
			return nil, fmt.Errorf("printer %q: %w", p.Name, err)
		}
	}
	return &cfg, nil
}

// Save encrypts credentials into a copy of cfg and atomically replaces the
// file (mode 0600, directory 0700).
func (s *Store) Save(cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(cfg)
}

func (s *Store) saveLocked(cfg *Config) error {
	out := cfg.Clone()
	out.Version = CurrentVersion
	for _, p := range out.Printers {
		if err := s.encryptPrinter(p); err != nil {
			return fmt.Errorf("printer %q: %w", p.Name, err)
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	pf, err := renameio.NewPendingFile(s.path, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("stage config: %w", err)
	}
	defer pf.Cleanup()
	if _, err := pf.Write(data); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

func (s *Store) encryptPrinter(p *PrinterConfig) error {
	var err error
	if p.SshPassword, err = s.cipher.Encrypt(p.SshPassword); err != nil {
		return err
	}
	if p.MqttUser, err = s.cipher.Encrypt(p.MqttUser); err != nil {
		return err
	}
	p.MqttPassword, err = s.cipher.Encrypt(p.MqttPassword)
	return err
}

func (s *Store) decryptPrinter(p *PrinterConfig) error {
	var err error
	if p.SshPassword, err = s.cipher.Decrypt(p.SshPassword); err != nil {
		return err
	}
	if p.MqttUser, err = s.cipher.Decrypt(p.MqttUser); err != nil {
		return err
	}
	p.MqttPassword, err = s.cipher.Decrypt(p.MqttPassword)
	return err
}
