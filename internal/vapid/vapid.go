// Package vapid loads the server's VAPID key pair, generating and persisting
// one on first start.
package vapid

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"notify-relay/config"
)

// Keys is the VAPID key pair in the base64url form browsers and webpush-go use.
type Keys struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

var generate = webpush.GenerateVAPIDKeys

// Resolve returns the key pair from the push config when both halves are set
// there, and otherwise from cfg.VAPIDFile.
func Resolve(cfg *config.PushConfig) (Keys, error) {
	if cfg.PublicKey != "" && cfg.PrivateKey != "" {
		log.Info().Msg("using VAPID keys from configuration")
		return Keys{PublicKey: cfg.PublicKey, PrivateKey: cfg.PrivateKey}, nil
	}
	return LoadOrCreate(cfg.VAPIDFile)
}

// LoadOrCreate reads the key pair stored at path. When the file does not
// exist a new pair is generated and written there with owner-only
// permissions. An unreadable or incomplete file is an error and is never
// overwritten.
func LoadOrCreate(path string) (Keys, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var keys Keys
		if err := json.Unmarshal(data, &keys); err != nil {
			return Keys{}, fmt.Errorf("failed to parse VAPID key file %s: %w", path, err)
		}
		if keys.PublicKey == "" || keys.PrivateKey == "" {
			return Keys{}, fmt.Errorf("VAPID key file %s is missing a key", path)
		}
		log.Info().Str("path", path).Msg("loaded VAPID keys")
		return keys, nil
	case !errors.Is(err, fs.ErrNotExist):
		return Keys{}, fmt.Errorf("failed to read VAPID key file %s: %w", path, err)
	}

	privateKey, publicKey, err := generate()
	if err != nil {
		return Keys{}, fmt.Errorf("failed to generate VAPID keys: %w", err)
	}
	keys := Keys{PublicKey: publicKey, PrivateKey: privateKey}

	out, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return Keys{}, fmt.Errorf("failed to encode VAPID keys: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Keys{}, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return Keys{}, fmt.Errorf("failed to write VAPID key file %s: %w", path, err)
	}

	log.Info().Str("path", path).Msg("generated new VAPID keys")
	return keys, nil
}
