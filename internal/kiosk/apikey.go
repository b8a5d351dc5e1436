package kiosk

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/jukebox/internal/events"
	"github.com/MarcoPoloResearchLab/jukebox/internal/storage"
)

const (
	// APIKeyStorageKey holds the video search API key.
	APIKeyStorageKey = "jukebox.youtube_api_key"

	opRotateAPIKey    = "kiosk.api_key.rotate"
	fingerprintLength = 12
)

// Fingerprint returns a short, non-reversible label for key.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:fingerprintLength]
}

// RotateAPIKey stores key and announces its fingerprint. The key itself never leaves the store.
func (s *Service) RotateAPIKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", newSelectionError(CodeInvalidAPIKey, ErrEmptyAPIKey)
	}
	if err := s.store.Set(APIKeyStorageKey, trimmed); err != nil {
		s.logError(opRotateAPIKey, "store_failed", err)
		return "", newSelectionError(CodeStorageUnavailable, err)
	}
	fingerprint := Fingerprint(trimmed)
	s.bus.Emit(events.APIKeyRotated{Fingerprint: fingerprint})
	s.systemLog("info", sourceAdmin, "api key rotated")
	return fingerprint, nil
}

// APIKey returns the stored key.
func (s *Service) APIKey() (string, error) {
	value, err := s.store.Get(APIKeyStorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrAPIKeyUnset
		}
		return "", err
	}
	return value, nil
}
