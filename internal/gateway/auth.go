package gateway

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// apiKeyBytes is the amount of random entropy backing the generated key
// (40 bytes of base32, about 64 chars, comfortably over the 32-char
// minimum).
const apiKeyBytes = 40

// LoadOrCreateAPIKey reads the bearer key at path, generating and
// persisting a new opaque key on first run (mode 0600).
func LoadOrCreateAPIKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key := strings.TrimSpace(string(data))
		if key != "" {
			return key, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading api key %s: %w", path, err)
	}

	key, err := generateAPIKey()
	if err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("creating secrets directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(key+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persisting api key: %w", err)
	}
	return key, nil
}

func generateAPIKey() (string, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}
