package vault

import (
	"fmt"

	"github.com/hashicorp/vault/api"
)

type SecretManager struct {
	client *api.Client
}

func NewSecretManager(address, token string) (*SecretManager, error) {
	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, err
	}

	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

// GetDatabaseDSN reads the PostgreSQL connection string from the KV store.
func (sm *SecretManager) GetDatabaseDSN() (string, error) {
	return sm.readField("secret/data/database", "connection_string")
}

// GetRedisURL reads the cache connection URL from the KV store.
func (sm *SecretManager) GetRedisURL() (string, error) {
	return sm.readField("secret/data/redis", "url")
}

func (sm *SecretManager) readField(path, field string) (string, error) {
	secret, err := sm.client.Logical().Read(path)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret %s not found", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("secret %s has unexpected shape", path)
	}
	value, ok := data[field].(string)
	if !ok {
		return "", fmt.Errorf("secret %s missing field %s", path, field)
	}
	return value, nil
}
