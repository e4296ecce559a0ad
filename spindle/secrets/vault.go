package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"
)

// VaultManager keeps secrets in a KV v2 engine of Vault (or OpenBao),
// one entry per key below repos/<repo>.
type VaultManager struct {
	client    *vault.Client
	mountPath string
	roleID    string
	secretID  string
	stopCh    chan struct{}
	stopOnce  sync.Once
	tokenMu   sync.RWMutex
	logger    *slog.Logger
}

type VaultOptions struct {
	Addr  string
	Mount string
	// Token authenticates directly; otherwise RoleID and SecretID log in
	// through AppRole and the token is renewed in the background.
	Token    string
	RoleID   string
	SecretID string
}

func NewVaultManager(opts VaultOptions, logger *slog.Logger) (*VaultManager, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if opts.Token == "" && (opts.RoleID == "" || opts.SecretID == "") {
		return nil, fmt.Errorf("either a token or an approle role_id and secret_id are required")
	}

	config := vault.DefaultConfig()
	config.Address = opts.Addr

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	manager := &VaultManager{
		client:    client,
		mountPath: "spindle", // default KV v2 mount path
		roleID:    opts.RoleID,
		secretID:  opts.SecretID,
		stopCh:    make(chan struct{}),
		logger:    logger,
	}
	if opts.Mount != "" {
		manager.mountPath = opts.Mount
	}

	if opts.Token != "" {
		client.SetToken(opts.Token)
		return manager, nil
	}

	if err := authenticateAppRole(client, opts.RoleID, opts.SecretID); err != nil {
		return nil, fmt.Errorf("failed to authenticate with AppRole: %w", err)
	}
	go manager.tokenRenewalLoop()

	return manager, nil
}

func authenticateAppRole(client *vault.Client, roleID, secretID string) error {
	resp, err := client.Logical().Write("auth/approle/login", map[string]any{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return fmt.Errorf("failed to login with AppRole: %w", err)
	}

	if resp == nil || resp.Auth == nil {
		return fmt.Errorf("no auth info returned from AppRole login")
	}

	client.SetToken(resp.Auth.ClientToken)
	return nil
}

func (v *VaultManager) Stop() {
	v.stopOnce.Do(func() { close(v.stopCh) })
}

func (v *VaultManager) tokenRenewalLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-v.stopCh:
			return
		case <-ticker.C:
			if err := v.ensureValidToken(); err != nil {
				v.logger.Error("vault token renewal failed", "error", err)
			}
		}
	}
}

// ensureValidToken renews a token about to expire and logs in again when
// the token is gone.
func (v *VaultManager) ensureValidToken() error {
	v.tokenMu.Lock()
	defer v.tokenMu.Unlock()

	tokenInfo, err := v.client.Auth().Token().LookupSelf()
	if err != nil || tokenInfo == nil {
		v.logger.Warn("token lookup failed, re-authenticating", "error", err)
		return v.reAuthenticate()
	}

	ttl, err := tokenInfo.TokenTTL()
	if err != nil {
		return v.reAuthenticate()
	}

	if ttl < 5*time.Minute {
		v.logger.Info("token ttl low, attempting renewal", "ttl", ttl)

		renewResp, err := v.client.Auth().Token().RenewSelf(3600) // 1h
		if err != nil || renewResp == nil || renewResp.Auth == nil {
			v.logger.Warn("token renewal failed, re-authenticating", "error", err)
			return v.reAuthenticate()
		}
	}

	return nil
}

func (v *VaultManager) reAuthenticate() error {
	if err := authenticateAppRole(v.client, v.roleID, v.secretID); err != nil {
		return fmt.Errorf("re-authentication failed: %w", err)
	}
	v.logger.Info("re-authentication successful")
	return nil
}

func (v *VaultManager) AddSecret(ctx context.Context, secret UnlockedSecret) error {
	if err := ValidateKey(secret.Key); err != nil {
		return err
	}
	if secret.CreatedAt.IsZero() {
		secret.CreatedAt = time.Now()
	}

	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()

	kv := v.client.KVv2(v.mountPath)
	secretPath := buildSecretPath(secret.Repo, secret.Key)

	_, err := kv.Get(ctx, secretPath)
	switch {
	case err == nil:
		return ErrKeyAlreadyPresent
	case !errors.Is(err, vault.ErrSecretNotFound):
		return fmt.Errorf("failed to read secret from vault: %w", err)
	}

	_, err = kv.Put(ctx, secretPath, map[string]any{
		"value":      secret.Value,
		"repo":       string(secret.Repo),
		"key":        secret.Key,
		"created_at": secret.CreatedAt.Format(time.RFC3339),
		"created_by": secret.CreatedBy,
	})
	if err != nil {
		return fmt.Errorf("failed to store secret in vault: %w", err)
	}

	return nil
}

func (v *VaultManager) RemoveSecret(ctx context.Context, repo Repo, key string) error {
	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()

	kv := v.client.KVv2(v.mountPath)
	secretPath := buildSecretPath(repo, key)

	if _, err := kv.Get(ctx, secretPath); err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("failed to read secret from vault: %w", err)
	}

	if err := kv.DeleteMetadata(ctx, secretPath); err != nil {
		return fmt.Errorf("failed to delete secret from vault: %w", err)
	}

	return nil
}

func (v *VaultManager) GetSecretsLocked(ctx context.Context, repo Repo) ([]LockedSecret, error) {
	unlocked, err := v.GetSecretsUnlocked(ctx, repo)
	if err != nil {
		return nil, err
	}

	ls := make([]LockedSecret, len(unlocked))
	for i, u := range unlocked {
		ls[i] = lock(u)
	}
	return ls, nil
}

func (v *VaultManager) GetSecretsUnlocked(ctx context.Context, repo Repo) ([]UnlockedSecret, error) {
	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()

	repoPath := buildRepoPath(repo)
	list, err := v.client.Logical().ListWithContext(ctx, path.Join(v.mountPath, "metadata", repoPath))
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}

	// nothing stored yet
	if list == nil || list.Data == nil {
		return nil, nil
	}

	keys, _ := list.Data["keys"].([]any)

	var secrets []UnlockedSecret
	for _, k := range keys {
		key, ok := k.(string)
		if !ok {
			continue
		}

		entry, err := v.client.KVv2(v.mountPath).Get(ctx, path.Join(repoPath, key))
		if err != nil {
			v.logger.Warn("skipping unreadable secret", "repo", repo, "key", key, "error", err)
			continue
		}

		if s, ok := decodeSecret(repo, key, entry.Data); ok {
			secrets = append(secrets, s)
		}
	}

	return secrets, nil
}

func decodeSecret(repo Repo, key string, data map[string]any) (UnlockedSecret, bool) {
	value, ok := data["value"].(string)
	if !ok {
		return UnlockedSecret{}, false
	}

	s := UnlockedSecret{
		Key:   key,
		Value: value,
		Repo:  repo,
	}
	if createdAt, ok := data["created_at"].(string); ok {
		s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	}
	s.CreatedBy, _ = data["created_by"].(string)

	return s, true
}

// buildRepoPath turns a repo into a single path element below repos/
func buildRepoPath(repo Repo) string {
	repoPath := strings.NewReplacer("/", "_", ":", "_", ".", "_").Replace(string(repo))
	return path.Join("repos", repoPath)
}

func buildSecretPath(repo Repo, key string) string {
	return path.Join(buildRepoPath(repo), key)
}
