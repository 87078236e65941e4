// Package auth implements the transport-independent authorization core:
// API key storage, constant-time verification, and level checks.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/domain"
)

// EnvPrefix is the process-configuration prefix keys are materialised
// from: SENTINEL_API_KEY_<ID>=<KEY>:<LEVEL>.
const EnvPrefix = "SENTINEL_API_KEY_"

type storedKey struct {
	hash  [sha256.Size]byte
	level domain.AuthLevel
}

// KeyStore maps APIKeyID to a hashed key and its auth level. Lookups
// are map-based; hash comparison is constant-time in the key material.
type KeyStore struct {
	mu      sync.RWMutex
	keys    map[domain.APIKeyID]storedKey
	open    bool
	byToken map[[sha256.Size]byte]domain.APIKeyID
}

// Options controls store construction.
type Options struct {
	// Open disables authentication: requests without credentials resolve
	// to admin. Startup does not require any configured keys.
	Open bool
}

// NewKeyStore builds an empty store.
func NewKeyStore(opts Options) *KeyStore {
	return &KeyStore{
		keys:    make(map[domain.APIKeyID]storedKey),
		byToken: make(map[[sha256.Size]byte]domain.APIKeyID),
		open:    opts.Open,
	}
}

// LoadFromEnviron materialises keys from environ entries, which carry
// the "K=V" form of os.Environ. Invalid entries are rejected with a
// precise reason. Returns the number of keys loaded.
func (s *KeyStore) LoadFromEnviron(environ []string, logger *slog.Logger) (int, error) {
	loaded := 0
	for _, entry := range environ {
		name, value, found := strings.Cut(entry, "=")
		if !found || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		id := domain.APIKeyID(strings.TrimPrefix(name, EnvPrefix))
		if err := s.Register(id, value); err != nil {
			return loaded, fmt.Errorf("api key %s: %w", id, err)
		}
		if logger != nil {
			logger.Info("api_key_loaded", "key_id", id.String())
		}
		loaded++
	}
	if loaded == 0 && !s.open {
		return 0, domain.WrapError(domain.ErrInvalidAPIKeyFormat, "load api keys",
			fmt.Errorf("no valid api keys configured and open mode is disabled"))
	}
	return loaded, nil
}

// Register validates and stores one "<KEY>:<LEVEL>" assignment.
func (s *KeyStore) Register(id domain.APIKeyID, assignment string) error {
	if err := id.Validate(); err != nil {
		return err
	}
	keyRaw, levelRaw, found := strings.Cut(assignment, ":")
	if !found {
		return &domain.APIKeyFormatError{Reason: "expected <key>:<level>"}
	}
	key := domain.APIKey(keyRaw)
	if err := key.ValidateFormat(); err != nil {
		return err
	}
	level, err := domain.ParseAuthLevel(strings.ToLower(strings.TrimSpace(levelRaw)))
	if err != nil {
		return err
	}

	digest := sha256.Sum256([]byte(keyRaw))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[id] = storedKey{hash: digest, level: level}
	s.byToken[digest] = id
	return nil
}

// Authenticate resolves a presented bearer token to an identity. The
// token never appears in errors or logs.
func (s *KeyStore) Authenticate(token domain.APIKey) (domain.Identity, error) {
	if err := token.ValidateFormat(); err != nil {
		if s.isOpen() && token == "" {
			return domain.Identity{ID: "anonymous", Level: domain.LevelAdmin}, nil
		}
		return domain.Identity{}, err
	}

	digest := sha256.Sum256([]byte(token))

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byToken[digest]
	if !ok {
		if s.open {
			return domain.Identity{ID: "anonymous", Level: domain.LevelAdmin}, nil
		}
		return domain.Identity{}, domain.ErrAuthenticationFailed
	}
	stored := s.keys[id]
	if subtle.ConstantTimeCompare(stored.hash[:], digest[:]) != 1 {
		return domain.Identity{}, domain.ErrAuthenticationFailed
	}
	return domain.Identity{ID: id, Level: stored.level}, nil
}

// Authorize authenticates and checks the required level in one step.
func (s *KeyStore) Authorize(token domain.APIKey, required domain.AuthLevel) (domain.Identity, error) {
	identity, err := s.Authenticate(token)
	if err != nil {
		return domain.Identity{}, err
	}
	if err := identity.Authorize(required); err != nil {
		return domain.Identity{}, err
	}
	return identity, nil
}

// Len reports the number of configured keys.
func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

func (s *KeyStore) isOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}
