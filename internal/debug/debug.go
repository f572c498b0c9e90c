// Package debug lets a developer pin a variant in their own browser without
// the visit counting as experiment data.
package debug

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ksiegai/abgate/internal/clientstate"
)

// ErrDisabled is returned by mutating calls on an inert channel.
var ErrDisabled = errors.New("debug overrides are disabled")

const maxAge = 30 * 24 * time.Hour

type Channel struct {
	overridesKey string
	suppressKey  string
	enabled      bool
	logger       *zap.Logger
}

// New returns an active channel storing its state under cookies named after prefix.
func New(prefix string, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		overridesKey: prefix + "_debug_overrides",
		suppressKey:  prefix + "_debug_suppress",
		enabled:      true,
		logger:       logger,
	}
}

// Inert returns the production channel: it reports no overrides and no
// suppression, whatever cookies the visitor sends.
func Inert() *Channel {
	return &Channel{logger: zap.NewNop()}
}

func (c *Channel) Enabled() bool {
	return c != nil && c.enabled
}

// Override returns the forced variant id for testKey, if any.
func (c *Channel) Override(kv clientstate.KV, testKey string) (string, bool) {
	if !c.Enabled() {
		return "", false
	}
	v, ok := c.List(kv)[testKey]
	return v, ok
}

// Suppressed reports whether outbound tracking is switched off for this visitor.
func (c *Channel) Suppressed(kv clientstate.KV) bool {
	if !c.Enabled() || kv == nil {
		return false
	}
	v, ok := kv.Get(c.suppressKey)
	return ok && v == "1"
}

// Force pins variantID for testKey and switches analytics off.
func (c *Channel) Force(kv clientstate.KV, testKey, variantID string) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	if testKey == "" || variantID == "" {
		return fmt.Errorf("test key and variant id are required")
	}

	overrides := c.List(kv)
	overrides[testKey] = variantID
	if err := c.save(kv, overrides); err != nil {
		return err
	}
	if err := c.tolerate(kv.Set(c.suppressKey, "1", maxAge)); err != nil {
		return fmt.Errorf("storing analytics suppression: %w", err)
	}
	c.logger.Debug("variant forced", zap.String("test_key", testKey), zap.String("variant_id", variantID))
	return nil
}

// Clear removes the override for testKey. Suppression stays on until DisableAll.
func (c *Channel) Clear(kv clientstate.KV, testKey string) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	overrides := c.List(kv)
	delete(overrides, testKey)
	return c.save(kv, overrides)
}

// List returns a copy of the current overrides. Unreadable state is treated as empty.
func (c *Channel) List(kv clientstate.KV) map[string]string {
	overrides := map[string]string{}
	if !c.Enabled() || kv == nil {
		return overrides
	}
	raw, ok := kv.Get(c.overridesKey)
	if !ok {
		return overrides
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err == nil {
		err = json.Unmarshal(b, &overrides)
	}
	if err != nil {
		c.logger.Debug("ignoring unreadable debug overrides", zap.Error(err))
		return map[string]string{}
	}
	return overrides
}

// Keys returns the overridden test keys in order, for display.
func (c *Channel) Keys(kv clientstate.KV) []string {
	overrides := c.List(kv)
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DisableAll drops every override and turns analytics back on.
func (c *Channel) DisableAll(kv clientstate.KV) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	return errors.Join(c.tolerate(kv.Delete(c.overridesKey)), c.tolerate(kv.Delete(c.suppressKey)))
}

func (c *Channel) save(kv clientstate.KV, overrides map[string]string) error {
	if len(overrides) == 0 {
		return c.tolerate(kv.Delete(c.overridesKey))
	}
	b, err := json.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("encoding overrides: %w", err)
	}
	if err := c.tolerate(kv.Set(c.overridesKey, base64.RawURLEncoding.EncodeToString(b), maxAge)); err != nil {
		return fmt.Errorf("storing overrides: %w", err)
	}
	return nil
}

// tolerate accepts a write that some but not all stores took.
func (c *Channel) tolerate(err error) error {
	if errors.Is(err, clientstate.ErrPartialWrite) {
		c.logger.Warn("debug state reached only some stores", zap.Error(err))
		return nil
	}
	return err
}
