// Package signing mints and verifies HMAC-SHA256 download URLs against a
// rotating key set. Verification accepts the active and the next key so a
// rotation never invalidates URLs issued moments before it.
package signing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/peyvand-edu/sabt-core/pkg/metrics"
)

// DefaultURLTTL is the grant lifetime used when the key set file does
// not configure one.
const DefaultURLTTL = 15 * time.Minute

// KeyState is the rotation stage of one key.
type KeyState string

const (
	StateActive  KeyState = "active"
	StateNext    KeyState = "next"
	StateRetired KeyState = "retired"
)

// Key is one HMAC secret identified by an opaque kid.
type Key struct {
	KID    string   `yaml:"kid" json:"kid"`
	State  KeyState `yaml:"state" json:"state"`
	Secret string   `yaml:"secret" json:"-"`
}

type keySetFile struct {
	Keys              []Key `yaml:"keys"`
	DefaultTTLSeconds int64 `yaml:"default_ttl_seconds"`
}

// KeySet holds the rotation state. Safe for concurrent readers while an
// admin rotation mutates it.
type KeySet struct {
	mu         sync.RWMutex
	keys       []Key
	defaultTTL time.Duration
	m          *metrics.Registry
}

// Instrument routes rotation events into token_rotation_total.
func (ks *KeySet) Instrument(m *metrics.Registry) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.m = m
}

func (ks *KeySet) emit(event string) {
	if ks.m != nil {
		ks.m.TokenRotation.WithLabelValues(event).Inc()
	}
}

// NewKeySet builds a set from explicit keys, e.g. from env-sourced secrets.
func NewKeySet(defaultTTL time.Duration, keys ...Key) (*KeySet, error) {
	ks := &KeySet{keys: keys, defaultTTL: defaultTTL}
	if err := ks.validate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// LoadKeySet reads the YAML key set file.
func LoadKeySet(path string) (*KeySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signing: load key set: %w", err)
	}

	var f keySetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("signing: parse key set %q: %w", path, err)
	}

	ttl := time.Duration(f.DefaultTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	return NewKeySet(ttl, f.Keys...)
}

// Save writes the key set back to path via a temp file and rename, so a
// crash never leaves a truncated key file behind.
func (ks *KeySet) Save(path string) error {
	ks.mu.RLock()
	f := keySetFile{
		Keys:              append([]Key(nil), ks.keys...),
		DefaultTTLSeconds: int64(ks.defaultTTL / time.Second),
	}
	ks.mu.RUnlock()

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("signing: marshal key set: %w", err)
	}

	tmp := path + ".part"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("signing: save key set: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("signing: save key set: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("signing: save key set: %w", err)
	}
	return nil
}

func (ks *KeySet) validate() error {
	seen := make(map[string]struct{}, len(ks.keys))
	actives := 0
	nexts := 0
	for _, k := range ks.keys {
		if k.KID == "" || k.Secret == "" {
			return fmt.Errorf("signing: key %q missing kid or secret", k.KID)
		}
		if _, dup := seen[k.KID]; dup {
			return fmt.Errorf("signing: duplicate kid %q", k.KID)
		}
		seen[k.KID] = struct{}{}
		switch k.State {
		case StateActive:
			actives++
		case StateNext:
			nexts++
		case StateRetired:
		default:
			return fmt.Errorf("signing: key %q has unknown state %q", k.KID, k.State)
		}
	}
	if actives != 1 {
		return fmt.Errorf("signing: key set needs exactly one active key, found %d", actives)
	}
	if nexts > 1 {
		return fmt.Errorf("signing: key set allows at most one next key, found %d", nexts)
	}
	return nil
}

// Active returns the signing key.
func (ks *KeySet) Active() Key {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	for _, k := range ks.keys {
		if k.State == StateActive {
			return k
		}
	}
	// validate() guarantees one active key.
	return Key{}
}

// Verifier returns the key for kid if it is in a verification-accepting
// state (active or next).
func (ks *KeySet) Verifier(kid string) (Key, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	for _, k := range ks.keys {
		if k.KID == kid && (k.State == StateActive || k.State == StateNext) {
			return k, true
		}
	}
	return Key{}, false
}

// DefaultTTL is the issue TTL used when the caller passes none.
func (ks *KeySet) DefaultTTL() time.Duration {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.defaultTTL
}

// Keys returns a copy of all keys, retired included.
func (ks *KeySet) Keys() []Key {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return append([]Key(nil), ks.keys...)
}

// Generate adds a fresh random key in state next, replacing any previous
// next key. Admin operation.
func (ks *KeySet) Generate(kid string) (Key, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return Key{}, fmt.Errorf("signing: generate key: %w", err)
	}
	k := Key{KID: kid, State: StateNext, Secret: hex.EncodeToString(secret)}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	for _, existing := range ks.keys {
		if existing.KID == kid {
			return Key{}, fmt.Errorf("signing: kid %q already present", kid)
		}
	}
	kept := ks.keys[:0]
	for _, existing := range ks.keys {
		if existing.State != StateNext {
			kept = append(kept, existing)
		}
	}
	ks.keys = append(kept, k)
	ks.emit("generate")
	return k, nil
}

// Promote moves the next key to active and retires the current active
// key. Admin operation.
func (ks *KeySet) Promote() (Key, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	nextIdx := -1
	for i, k := range ks.keys {
		if k.State == StateNext {
			nextIdx = i
			break
		}
	}
	if nextIdx == -1 {
		return Key{}, fmt.Errorf("signing: no next key to promote")
	}

	for i := range ks.keys {
		if ks.keys[i].State == StateActive {
			ks.keys[i].State = StateRetired
		}
	}
	ks.keys[nextIdx].State = StateActive
	ks.emit("promote")
	return ks.keys[nextIdx], nil
}
