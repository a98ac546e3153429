// Package credentials resolves exchange API credentials and probes
// account-level venue settings.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"signal_relay/internal/config"
	"signal_relay/internal/core"
)

// Manager decrypts stored credentials and caches per-account position
// mode probes.
type Manager struct {
	key              []byte // nil when credentials are stored in plaintext
	allowEnvFallback bool
	logger           core.ILogger

	mu        sync.RWMutex
	modeCache map[string]core.PositionMode
}

// NewManager builds a manager from the credentials section of the config.
// The configured key is stretched to 32 bytes with SHA-256 so operators
// can use a passphrase of any length.
func NewManager(cfg config.CredentialsConfig, logger core.ILogger) *Manager {
	var key []byte
	if cfg.EncryptedAtRest && cfg.EncryptionKey != "" {
		sum := sha256.Sum256([]byte(cfg.EncryptionKey))
		key = sum[:]
	}

	return &Manager{
		key:              key,
		allowEnvFallback: cfg.AllowEnvFallback,
		logger:           logger.WithField("component", "credentials"),
		modeCache:        make(map[string]core.PositionMode),
	}
}

// Resolve returns a copy of the account with usable plaintext credentials.
// The stored row is never mutated.
func (m *Manager) Resolve(account *core.ExchangeAccount) (*core.ExchangeAccount, error) {
	resolved := *account

	apiKey, err := m.decryptField(account, "API_KEY", account.APIKey)
	if err != nil {
		return nil, err
	}
	secretKey, err := m.decryptField(account, "SECRET_KEY", account.SecretKey)
	if err != nil {
		return nil, err
	}
	passphrase := ""
	if account.Passphrase != "" {
		passphrase, err = m.decryptField(account, "PASSPHRASE", account.Passphrase)
		if err != nil {
			return nil, err
		}
	}

	resolved.APIKey = apiKey
	resolved.SecretKey = secretKey
	resolved.Passphrase = passphrase
	return &resolved, nil
}

func (m *Manager) decryptField(account *core.ExchangeAccount, field, stored string) (string, error) {
	if m.key == nil {
		return stored, nil
	}

	plaintext, err := m.decrypt(stored)
	if err == nil {
		return plaintext, nil
	}

	if m.allowEnvFallback {
		if v := m.envSeed(account.ID, field); v != "" {
			m.logger.Warn("credential decryption failed, using environment seed",
				"account_id", account.ID, "field", field)
			return v, nil
		}
	}

	// Rows written before encryption was enabled hold plaintext. Accept
	// them but flag the account for re-encryption.
	m.logger.Warn("credential not decryptable, treating as legacy plaintext",
		"account_id", account.ID, "field", field)
	return stored, nil
}

func (m *Manager) envSeed(accountID, field string) string {
	id := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(accountID))
	return os.Getenv(fmt.Sprintf("RELAY_ACCOUNT_%s_%s", id, field))
}

// Encrypt encrypts a credential for storage. Returns the value unchanged
// when encryption at rest is disabled.
func (m *Manager) Encrypt(plaintext string) (string, error) {
	if m.key == nil {
		return plaintext, nil
	}

	block, err := aes.NewCipher(m.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (m *Manager) decrypt(stored string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", fmt.Errorf("not base64: %w", err)
	}

	block, err := aes.NewCipher(m.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// PositionMode returns the account's venue-side position mode, probing
// the venue once and caching the answer. A failed probe falls back to
// hedge mode without caching, so the next call probes again.
func (m *Manager) PositionMode(ctx context.Context, account *core.ExchangeAccount, ex core.IExchange) core.PositionMode {
	if account.PositionMode != "" {
		return account.PositionMode
	}

	m.mu.RLock()
	mode, ok := m.modeCache[account.ID]
	m.mu.RUnlock()
	if ok {
		return mode
	}

	mode, err := ex.GetPositionMode(ctx)
	if err != nil {
		m.logger.Warn("position mode probe failed, assuming hedge mode",
			"account_id", account.ID, "venue", account.Venue, "error", err)
		return core.PositionModeHedge
	}

	m.mu.Lock()
	m.modeCache[account.ID] = mode
	m.mu.Unlock()
	return mode
}

// InvalidateMode drops a cached probe, forcing a re-probe on next use.
func (m *Manager) InvalidateMode(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.modeCache, accountID)
}
