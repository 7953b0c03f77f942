// Package apikeys issues and validates agent credentials. Only the SHA-256
// hash of the key material is stored; the plaintext is returned once at
// creation and never again.
package apikeys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/common/logger"
	"github.com/botmaster/botmaster/internal/task/models"
	"github.com/botmaster/botmaster/internal/task/repository"
)

// ErrInvalidKey is returned for unknown or revoked credentials.
var ErrInvalidKey = errors.New("invalid api key")

const keyPrefix = "bmk_"

// Service manages the agent credential lifecycle and authenticates
// gateway handshakes.
type Service struct {
	repo   repository.Repository
	logger *logger.Logger
}

// NewService creates an api-key service over the repository.
func NewService(repo repository.Repository, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		repo:   repo,
		logger: log.WithFields(zap.String("component", "apikey_service")),
	}
}

// Create issues a new key bound to the agent and returns the plaintext.
// The plaintext is not recoverable afterwards.
func (s *Service) Create(ctx context.Context, agentID, label string) (plaintext string, key *models.APIKey, err error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate key material: %w", err)
	}
	plaintext = keyPrefix + hex.EncodeToString(raw)

	key = &models.APIKey{
		AgentID: agentID,
		KeyHash: HashKey(plaintext),
		Label:   label,
	}
	if err := s.repo.CreateAPIKey(ctx, key); err != nil {
		return "", nil, err
	}
	s.logger.Info("Issued api key",
		zap.String("agent_id", agentID),
		zap.String("key_id", key.ID))
	return plaintext, key, nil
}

// Authenticate validates a handshake credential and yields the agent id it
// is bound to. It implements the gateway's Authenticator.
func (s *Service) Authenticate(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrInvalidKey
	}
	hash := HashKey(plaintext)
	key, err := s.repo.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return "", ErrInvalidKey
	}
	// The hash is the lookup key, so the equality below is already
	// implied; comparing in constant time keeps the check uniform.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return "", ErrInvalidKey
	}
	if key.IsRevoked() {
		return "", ErrInvalidKey
	}
	if err := s.repo.TouchAPIKeyUsed(ctx, key.ID); err != nil {
		s.logger.Warn("Failed to record key usage",
			zap.String("key_id", key.ID),
			zap.Error(err))
	}
	return key.AgentID, nil
}

// Revoke permanently disables a key.
func (s *Service) Revoke(ctx context.Context, keyID string) error {
	if err := s.repo.RevokeAPIKey(ctx, keyID); err != nil {
		return err
	}
	s.logger.Info("Revoked api key", zap.String("key_id", keyID))
	return nil
}

// List returns all issued keys, revoked included. Hashes are not exposed
// through the model's JSON form.
func (s *Service) List(ctx context.Context) ([]*models.APIKey, error) {
	return s.repo.ListAPIKeys(ctx)
}

// HashKey returns the hex SHA-256 of the key material, the form stored in
// the repository.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
