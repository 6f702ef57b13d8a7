package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	return NewStoreWithCipher(path, NewCipherWithID("test-machine"))
}

func testPrinter(name string, port int) *PrinterConfig {
	p := &PrinterConfig{
		Name:         name,
		IP:           "10.0.0.5",
		MjpegPort:    port,
		SshPassword:  "sshpw",
		MqttUser:     "u",
		MqttPassword: "p",
		DeviceID:     "D1",
	}
	p.ApplyDefaults()
	return p
}

func TestStoreCreatesDefaultWhenMissing(t *testing.T) {
	s := testStore(t)
	cfg, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Printers) != 0 {
		t.Errorf("default config has %d printers, want 0", len(cfg.Printers))
	}
	if len(cfg.ListenInterfaces) == 0 {
		t.Error("default config lacks listen interfaces")
	}
	if _, err := os.Stat(s.Path()); err != nil {
		t.Errorf("default config not written to disk: %v", err)
	}
}

func TestStoreEncryptsCredentialsAtRest(t *testing.T) {
	s := testStore(t)
	cfg := NewDefault()
	cfg.Printers = append(cfg.Printers, testPrinter("k1", 8080))
	if err := s.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	var onDisk Config
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("parse raw config: %v", err)
	}
	p := onDisk.Printers[0]
	for field, v := range map[string]string{
		"sshPassword":  p.SshPassword,
		"mqttUser":     p.MqttUser,
		"mqttPassword": p.MqttPassword,
	} {
		if !strings.HasPrefix(v, CipherPrefix) {
			t.Errorf("%s stored as %q, want %s prefix", field, v, CipherPrefix)
		}
	}
	if strings.Contains(string(raw), "sshpw") {
		t.Error("plaintext password found in config file")
	}

	// In-memory input must not be mutated by Save.
	if cfg.Printers[0].SshPassword != "sshpw" {
		t.Error("Save mutated caller's config")
	}
}

func TestStoreLoadDecrypts(t *testing.T) {
	s := testStore(t)
	cfg := NewDefault()
	cfg.Printers = append(cfg.Printers, testPrinter("k1", 8080))
	if err := s.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := loaded.Printers[0]
	if p.SshPassword != "sshpw" || p.MqttUser != "u" || p.MqttPassword != "p" {
		t.Errorf("credentials after reload = %q/%q/%q, want originals",
			p.SshPassword, p.MqttUser, p.MqttPassword)
	}
}

func TestStoreUpgradesPlaintextCredentials(t *testing.T) {
	s := testStore(t)
	// Hand-written config from an older install: plaintext credentials.
	doc := `{
  // acproxycam config
  "version": 1,
  "printers": [{"name":"k1","ip":"10.0.0.5","mjpegPort":8080,"mqttUser":"u","mqttPassword":"p","sshPassword":"s"}]
}`
	if err := os.WriteFile(s.Path(), []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Printers[0].MqttPassword != "p" {
		t.Fatalf("plaintext credential mangled on load: %q", cfg.Printers[0].MqttPassword)
	}

	// Next save encrypts.
	if err := s.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw, _ := os.ReadFile(s.Path())
	if strings.Contains(string(raw), `"mqttPassword": "p"`) {
		t.Error("credential still plaintext after save")
	}
}

func TestStoreLoadAppliesDefaults(t *testing.T) {
	s := testStore(t)
	doc := `{"version":1,"printers":[{"name":"k1","ip":"10.0.0.5","mjpegPort":8080}]}`
	if err := os.WriteFile(s.Path(), []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := cfg.Printers[0]
	if p.MqttPort != 9883 || p.SshPort != 22 || p.MaxFps != 15 || p.IdleFps != 5 {
		t.Errorf("defaults not applied: %+v", p)
	}
}

func TestStoreFileMode(t *testing.T) {
	s := testStore(t)
	if err := s.Save(NewDefault()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config mode = %o, want 600", got)
	}
}
