package crypto

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iobridge/datagate/internal/gwerrors"
	"github.com/iobridge/datagate/internal/logging"
)

// Key is the EncryptionKey reference DTO. Material must be exactly 32 bytes.
type Key struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Material  []byte            `json:"-"`
	IsActive  bool              `json:"is_active"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// KeyManager owns the EncryptionKey lifecycle: at most one key is active at
// a time, and the crypto service's active key tracks it.
type KeyManager struct {
	svc *Service

	mu     sync.Mutex
	keys   map[string]*Key
	byName map[string]string // name → id
	active string            // active key id, empty when on base key
}

// NewKeyManager creates a key manager bound to a crypto service.
func NewKeyManager(svc *Service) *KeyManager {
	return &KeyManager{
		svc:    svc,
		keys:   make(map[string]*Key),
		byName: make(map[string]string),
	}
}

// Register adds or replaces a key by id. Names are unique. A key registered
// with IsActive set becomes the active key.
func (m *KeyManager) Register(k Key) error {
	if len(k.Material) != keySize {
		return gwerrors.NewConfigError("crypto", fmt.Sprintf("key %s: material must be %d bytes", k.ID, keySize), nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existingID, ok := m.byName[k.Name]; ok && existingID != k.ID {
		return gwerrors.NewConfigError("crypto", fmt.Sprintf("key name %q already registered", k.Name), nil)
	}
	if prev, ok := m.keys[k.ID]; ok {
		delete(m.byName, prev.Name)
	}
	now := time.Now().UTC()
	if k.CreatedAt.IsZero() {
		k.CreatedAt = now
	}
	k.UpdatedAt = now
	cp := k
	m.keys[k.ID] = &cp
	m.byName[k.Name] = k.ID

	if k.IsActive {
		return m.activateLocked(k.ID)
	}
	return nil
}

// Activate makes the key the single active key, deactivating all others and
// refreshing the service.
func (m *KeyManager) Activate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activateLocked(id)
}

func (m *KeyManager) activateLocked(id string) error {
	k, ok := m.keys[id]
	if !ok {
		return fmt.Errorf("key %s: %w", id, gwerrors.ErrNotRegistered)
	}
	if !k.ExpiresAt.IsZero() && time.Now().After(k.ExpiresAt) {
		return gwerrors.NewConfigError("crypto", fmt.Sprintf("key %s is expired", id), nil)
	}
	for _, other := range m.keys {
		other.IsActive = other.ID == id
	}
	if err := m.svc.UpdateActiveKey(k.Material); err != nil {
		return err
	}
	m.active = id
	logging.Info("encryption key activated", zap.String("key_id", id), zap.String("key_name", k.Name))
	return nil
}

// Deactivate clears a key's active flag; the service falls back to the base
// key. Deactivating a non-active key is a no-op.
func (m *KeyManager) Deactivate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return fmt.Errorf("key %s: %w", id, gwerrors.ErrNotRegistered)
	}
	k.IsActive = false
	if m.active != id {
		return nil
	}
	m.active = ""
	logging.Info("encryption key deactivated, falling back to base key", zap.String("key_id", id))
	return m.svc.UpdateActiveKey(nil)
}

// Delete removes a key. Deleting the active key is forbidden.
func (m *KeyManager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return nil
	}
	if m.active == id {
		return fmt.Errorf("key %s: %w", id, gwerrors.ErrKeyActive)
	}
	delete(m.byName, k.Name)
	delete(m.keys, id)
	return nil
}

// Active returns a copy of the active key, if any.
func (m *KeyManager) Active() (Key, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == "" {
		return Key{}, false
	}
	k := *m.keys[m.active]
	return k, true
}

// List returns copies of all registered keys.
func (m *KeyManager) List() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Key, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, *k)
	}
	return out
}
