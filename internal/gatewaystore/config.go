package gatewaystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	configVersion = 2
	dirMode       = 0700
	fileMode      = 0600
)

// configV1 is the plaintext format written before at-rest token
// encryption existed. Detected by the absence of a "version" field.
type configV1 struct {
	ServerURL    string `json:"serverUrl"`
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	GatewayID    string `json:"gatewayId"`
}

// Config is the v2, on-disk-encrypted gateway configuration (§6).
type Config struct {
	Version       int    `json:"version"`
	ServerURL     string `json:"serverUrl"`
	ServerBaseURL string `json:"serverBaseUrl"`
	// Token and RefreshToken hold the base64 AES-256-GCM envelope on disk;
	// Store's Load/Save decrypt/encrypt them at the boundary so every other
	// caller works with plaintext tokens in memory only.
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	GatewayID    string `json:"gatewayId"`
}

func configPath(dir string) string { return filepath.Join(dir, "config.json") }

// Store reads and writes the gateway's persisted config and daemon
// registry under a single config directory (~/.agentim in production).
type Store struct {
	dir    string
	cipher *Cipher
}

// NewStore builds a Store rooted at dir, whose sensitive fields are
// encrypted/decrypted with cipher.
func NewStore(dir string, cipher *Cipher) *Store {
	return &Store{dir: dir, cipher: cipher}
}

// Load reads config.json, transparently migrating a v1 plaintext file to
// the v2 encrypted format and rewriting it to disk. Returns a zero Config,
// no error, if no config file exists yet (first run before `login`).
func (s *Store) Load() (Config, error) {
	data, err := os.ReadFile(configPath(s.dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("gatewaystore: failed to read config: %w", err)
	}

	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Config{}, fmt.Errorf("gatewaystore: corrupted config: %w", err)
	}

	if probe.Version == 0 {
		var v1 configV1
		if err := json.Unmarshal(data, &v1); err != nil {
			return Config{}, fmt.Errorf("gatewaystore: corrupted v1 config: %w", err)
		}
		cfg, err := s.migrateV1(v1)
		if err != nil {
			return Config{}, err
		}
		if err := s.save(cfg); err != nil {
			return Config{}, fmt.Errorf("gatewaystore: failed to persist migrated config: %w", err)
		}
		return s.decrypted(cfg)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("gatewaystore: corrupted config: %w", err)
	}
	return s.decrypted(cfg)
}

// migrateV1 re-encrypts a plaintext v1 config's tokens under the current
// scheme and stamps it as v2. The input tokens are plaintext; the output
// Config holds their encrypted form, ready to write to disk.
func (s *Store) migrateV1(v1 configV1) (Config, error) {
	token, err := s.cipher.Encrypt(v1.Token)
	if err != nil {
		return Config{}, fmt.Errorf("gatewaystore: failed to encrypt token during migration: %w", err)
	}
	refresh, err := s.cipher.Encrypt(v1.RefreshToken)
	if err != nil {
		return Config{}, fmt.Errorf("gatewaystore: failed to encrypt refresh token during migration: %w", err)
	}
	return Config{
		Version:      configVersion,
		ServerURL:    v1.ServerURL,
		Token:        token,
		RefreshToken: refresh,
		GatewayID:    v1.GatewayID,
	}, nil
}

// decrypted returns a copy of cfg (as read from or about to be written to
// disk) with Token/RefreshToken swapped for their plaintext values.
func (s *Store) decrypted(cfg Config) (Config, error) {
	token, err := s.cipher.Decrypt(cfg.Token)
	if err != nil {
		return Config{}, fmt.Errorf("gatewaystore: failed to decrypt token: %w", err)
	}
	refresh, err := s.cipher.Decrypt(cfg.RefreshToken)
	if err != nil {
		return Config{}, fmt.Errorf("gatewaystore: failed to decrypt refresh token: %w", err)
	}
	cfg.Token = token
	cfg.RefreshToken = refresh
	return cfg, nil
}

// Save encrypts cfg's plaintext tokens and writes config.json atomically.
func (s *Store) Save(cfg Config) error {
	cfg.Version = configVersion
	token, err := s.cipher.Encrypt(cfg.Token)
	if err != nil {
		return fmt.Errorf("gatewaystore: failed to encrypt token: %w", err)
	}
	refresh, err := s.cipher.Encrypt(cfg.RefreshToken)
	if err != nil {
		return fmt.Errorf("gatewaystore: failed to encrypt refresh token: %w", err)
	}
	cfg.Token = token
	cfg.RefreshToken = refresh
	return s.save(cfg)
}

// save writes an already-encrypted Config to disk via temp file + rename,
// the same atomic-write pattern the teacher uses for agent-state.json.
func (s *Store) save(cfg Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("gatewaystore: failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(s.dir, dirMode); err != nil {
		return fmt.Errorf("gatewaystore: failed to create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "config.*.tmp")
	if err != nil {
		return fmt.Errorf("gatewaystore: failed to create temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("gatewaystore: failed to set config file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("gatewaystore: failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("gatewaystore: failed to close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, configPath(s.dir)); err != nil {
		return fmt.Errorf("gatewaystore: failed to rename config file: %w", err)
	}
	ok = true
	return nil
}
