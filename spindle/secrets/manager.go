package secrets

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// Repo scopes secrets, e.g. acme/web.
type Repo string

type Secret[T any] struct {
	Key       string
	Value     T
	Repo      Repo
	CreatedAt time.Time
	CreatedBy string
}

// the secret is not present
type LockedSecret = Secret[struct{}]

// the secret is present in plaintext, never expose this publicly,
// only hand it to the job runner
type UnlockedSecret = Secret[string]

type Manager interface {
	AddSecret(ctx context.Context, secret UnlockedSecret) error
	RemoveSecret(ctx context.Context, repo Repo, key string) error
	GetSecretsLocked(ctx context.Context, repo Repo) ([]LockedSecret, error)
	GetSecretsUnlocked(ctx context.Context, repo Repo) ([]UnlockedSecret, error)
}

// stopper interface for managers that need cleanup
type Stopper interface {
	Stop()
}

var ErrKeyAlreadyPresent = errors.New("key already present")
var ErrInvalidKeyIdent = errors.New("key is not a valid identifier")
var ErrKeyNotFound = errors.New("key not found")

// ensure that we are satisfying the interface
var (
	_ = []Manager{
		&SqliteManager{},
		&VaultManager{},
	}
)

var (
	// bash identifier syntax
	keyIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

func ValidateKey(key string) error {
	if key == "" || !keyIdent.MatchString(key) {
		return ErrInvalidKeyIdent
	}
	return nil
}

// Env unlocks the secrets of repo as the `secrets` context of a run.
func Env(ctx context.Context, m Manager, repo Repo) (map[string]string, error) {
	unlocked, err := m.GetSecretsUnlocked(ctx, repo)
	if err != nil {
		return nil, err
	}

	env := make(map[string]string, len(unlocked))
	for _, s := range unlocked {
		env[s.Key] = s.Value
	}
	return env, nil
}
