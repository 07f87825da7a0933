package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// KeyringService groups the engine's secrets in the OS keychain.
	KeyringService = "outreach-engine"

	ProviderAccount = "provider:api-key"
	JWTAccount      = "auth:jwt-secret"

	EnvProviderKey  = "OUTREACH_PROVIDER_API_KEY"
	EnvIMAPPassword = "OUTREACH_IMAP_PASSWORD"
	EnvJWTSecret    = "OUTREACH_JWT_SECRET"
)

var ErrNotFound = errors.New("secret not found")

// get tries the keychain first, then the environment.
func get(account, env string) (string, error) {
	if strings.TrimSpace(account) != "" {
		v, err := keyring.Get(KeyringService, account)
		if err == nil && strings.TrimSpace(v) != "" {
			return v, nil
		}
	}
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: set it in the keychain (%s/%s) or via %s", ErrNotFound, KeyringService, account, env)
}

func set(account, value string) error {
	if strings.TrimSpace(account) == "" {
		return errors.New("keyring account name is empty")
	}
	if strings.TrimSpace(value) == "" {
		return errors.New("secret is empty")
	}
	return keyring.Set(KeyringService, account, value)
}

func del(account string) error {
	if strings.TrimSpace(account) == "" {
		return errors.New("keyring account name is empty")
	}
	err := keyring.Delete(KeyringService, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

func ProviderAPIKey() (string, error) { return get(ProviderAccount, EnvProviderKey) }
func SetProviderAPIKey(key string) error { return set(ProviderAccount, key) }
func DeleteProviderAPIKey() error { return del(ProviderAccount) }

// JWTSecret signs and verifies operator tokens (HS256).
func JWTSecret() (string, error) { return get(JWTAccount, EnvJWTSecret) }
func SetJWTSecret(secret string) error { return set(JWTAccount, secret) }
func DeleteJWTSecret() error { return del(JWTAccount) }

// IMAPAccount names the keychain entry for a mailbox login.
func IMAPAccount(username, host string) string {
	return fmt.Sprintf("imap:%s@%s", username, host)
}

func IMAPPassword(account string) (string, error) { return get(account, EnvIMAPPassword) }
func SetIMAPPassword(account, password string) error { return set(account, password) }
func DeleteIMAPPassword(account string) error { return del(account) }

// Has reports whether a value is available without exposing it.
func Has(fn func() (string, error)) bool {
	v, err := fn()
	return err == nil && v != ""
}
