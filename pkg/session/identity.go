package session

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

// identityKey names one database row: registered entity name plus
// normalized primary-key value.
type identityKey struct {
	entity string
	key    any
}

// normalizeKey collapses equivalent key representations so an int set by
// the caller matches the int64 a driver returns for the same row.
func normalizeKey(key any) any {
	switch typed := key.(type) {
	case uuid.UUID:
		return typed
	case string:
		return typed
	case []byte:
		return string(typed)
	}
	v := reflect.ValueOf(key)
	switch {
	case v.CanInt():
		return v.Int()
	case v.CanUint():
		return int64(v.Uint())
	case v.CanFloat():
		return v.Float()
	}
	return fmt.Sprintf("%v", key)
}

// identityMap guarantees at most one live instance per row within one
// session. The session is single-goroutine by contract, so no locking.
type identityMap struct {
	entries map[identityKey]any
}

func newIdentityMap() *identityMap {
	return &identityMap{entries: make(map[identityKey]any)}
}

func (m *identityMap) get(k identityKey) (any, bool) {
	e, ok := m.entries[k]
	return e, ok
}

// put stores an instance for a key. When the key is already present the
// existing instance wins and is returned, unless refresh is set; this
// keeps freshly-read row data from clobbering in-flight mutations.
func (m *identityMap) put(k identityKey, entity any, refresh bool) any {
	if existing, ok := m.entries[k]; ok && !refresh {
		return existing
	}
	m.entries[k] = entity
	return entity
}

func (m *identityMap) remove(k identityKey) {
	delete(m.entries, k)
}

func (m *identityMap) clear() {
	m.entries = make(map[identityKey]any)
}

func (m *identityMap) len() int {
	return len(m.entries)
}
