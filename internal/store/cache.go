package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fexe-co/softphone/internal/models"
	"github.com/valkey-io/valkey-go"
)

// activeCallTTL bounds how long a stale active-call marker survives a crash
const activeCallTTL = time.Hour

// Cache provides preference storage and active-call tracking using Valkey
type Cache struct {
	client  valkey.Client
	profile string
	key     []byte
}

// NewCache creates a new cache instance. prefsSecret may be empty.
func NewCache(ctx context.Context, url, password string, db int, profile, prefsSecret string) (*Cache, error) {
	opts := valkey.ClientOption{
		InitAddress: []string{url},
		SelectDB:    db,
	}
	if password != "" {
		opts.Password = password
	}

	client, err := valkey.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Test connection
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping valkey: %w", err)
	}

	c := &Cache{client: client, profile: profile}
	if prefsSecret != "" {
		key, err := deriveKey(prefsSecret)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to derive preference key: %w", err)
		}
		c.key = key
	}
	return c, nil
}

// Close closes the cache connection
func (c *Cache) Close() {
	c.client.Close()
}

// prefsKey generates the cache key for a profile's preferences
func prefsKey(profile string) string {
	return fmt.Sprintf("prefs:%s", profile)
}

// Load reads the saved login pair for the profile
func (c *Cache) Load(ctx context.Context) (models.Preferences, error) {
	result, err := c.client.Do(ctx, c.client.B().Hgetall().Key(prefsKey(c.profile)).Build()).AsStrMap()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return models.Preferences{}, nil
		}
		return models.Preferences{}, err
	}

	prefs := models.Preferences{Username: result["username"], Password: result["password"]}
	if sealed := result["sealed_password"]; sealed != "" {
		if c.key == nil {
			return models.Preferences{Username: prefs.Username}, ErrSealedPassword
		}
		plain, err := open(c.key, sealed)
		if err != nil {
			return models.Preferences{Username: prefs.Username}, ErrSealedPassword
		}
		prefs.Password = plain
	}
	return prefs, nil
}

// Save stores the login pair for the profile
func (c *Cache) Save(ctx context.Context, prefs models.Preferences) error {
	key := prefsKey(c.profile)

	if err := c.client.Do(ctx, c.client.B().Del().Key(key).Build()).Error(); err != nil {
		return err
	}

	cmd := c.client.B().Hset().Key(key).FieldValue().FieldValue("username", prefs.Username)
	if c.key != nil {
		sealed, err := seal(c.key, prefs.Password)
		if err != nil {
			return fmt.Errorf("failed to seal password: %w", err)
		}
		cmd = cmd.FieldValue("sealed_password", sealed)
	} else {
		cmd = cmd.FieldValue("password", prefs.Password)
	}

	return c.client.Do(ctx, cmd.Build()).Error()
}

// activeCallKey generates the cache key for tracking active calls
func activeCallKey(callID string) string {
	return fmt.Sprintf("call:active:%s", callID)
}

// SetActiveCall marks a call as active in the cache
func (c *Cache) SetActiveCall(ctx context.Context, callID string, data map[string]string) error {
	if len(data) == 0 {
		return nil
	}
	key := activeCallKey(callID)

	cmd := c.client.B().Hset().Key(key).FieldValue()
	for k, v := range data {
		cmd = cmd.FieldValue(k, v)
	}
	if err := c.client.Do(ctx, cmd.Build()).Error(); err != nil {
		return err
	}

	// Set TTL
	return c.client.Do(ctx,
		c.client.B().Expire().Key(key).Seconds(int64(activeCallTTL/time.Second)).Build(),
	).Error()
}

// RemoveActiveCall removes a call from the active calls cache
func (c *Cache) RemoveActiveCall(ctx context.Context, callID string) error {
	return c.client.Do(ctx, c.client.B().Del().Key(activeCallKey(callID)).Build()).Error()
}
