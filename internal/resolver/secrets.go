package resolver

import (
	"errors"
	"sync"
	"time"

	"github.com/crosslock-exchange/crosslockd/internal/bridge"
	"github.com/crosslock-exchange/crosslockd/internal/storage"
	"github.com/crosslock-exchange/crosslockd/pkg/logging"
)

// Registry errors
var (
	ErrSecretConflict = errors.New("conflicting secret for hashlock")
)

// SecretRegistry maps hashlocks to revealed preimages. Writes are
// first-write-wins: a matching re-registration is a no-op, a conflicting one
// is a protocol violation. Every accepted secret is written through to
// storage so restarts keep the map.
type SecretRegistry struct {
	mu      sync.RWMutex
	secrets map[string]string
	store   *storage.Storage
	log     *logging.Logger
}

// NewSecretRegistry builds the registry, rehydrated from storage.
func NewSecretRegistry(store *storage.Storage, log *logging.Logger) (*SecretRegistry, error) {
	r := &SecretRegistry{
		secrets: make(map[string]string),
		store:   store,
		log:     log,
	}

	saved, err := store.ListSecrets()
	if err != nil {
		return nil, err
	}
	for _, s := range saved {
		r.secrets[s.Hashlock] = s.Secret
	}
	if len(saved) > 0 {
		log.Info("rehydrated secret registry", "count", len(saved))
	}
	return r, nil
}

// Register records a revealed secret. source names the chain or caller that
// produced it, for the audit trail.
func (r *SecretRegistry) Register(hashlock, secret, source string) error {
	hashlock = bridge.NormalizeHashlock(hashlock)

	r.mu.Lock()
	if existing, ok := r.secrets[hashlock]; ok {
		r.mu.Unlock()
		if existing == secret {
			return nil
		}
		return ErrSecretConflict
	}
	r.secrets[hashlock] = secret
	r.mu.Unlock()

	err := r.store.SaveSecret(&storage.Secret{
		Hashlock:   hashlock,
		Secret:     secret,
		Source:     source,
		RevealedAt: time.Now(),
	})
	if err != nil && !errors.Is(err, storage.ErrSecretAlreadyExists) {
		r.log.Error("failed to persist secret", "hashlock", hashlock, "error", err)
	}

	r.log.Info("secret registered", "hashlock", hashlock, "source", source)
	return nil
}

// Lookup returns the secret for a hashlock, if one has been revealed.
func (r *SecretRegistry) Lookup(hashlock string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	secret, ok := r.secrets[bridge.NormalizeHashlock(hashlock)]
	return secret, ok
}
