package source

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Anonymizer maps Bluetooth device names to stable pseudonyms. The same name
// maps to the same alias within one session; the salt keeps aliases from
// being joinable across sessions.
type Anonymizer struct {
	salt string

	mu      sync.Mutex
	aliases map[string]string
}

// NewAnonymizer creates an anonymizer. An empty salt is replaced by a random
// per-session one.
func NewAnonymizer(salt string) *Anonymizer {
	if salt == "" {
		b := make([]byte, 16)
		_, _ = rand.Read(b)
		salt = hex.EncodeToString(b)
	}
	return &Anonymizer{salt: salt, aliases: make(map[string]string)}
}

// Alias returns the pseudonym for a device name.
func (a *Anonymizer) Alias(name string) string {
	if name == "" {
		return "Unknown"
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if alias, ok := a.aliases[name]; ok {
		return alias
	}
	sum := sha256.Sum256([]byte(a.salt + name))
	alias := "Device_" + hex.EncodeToString(sum[:])[:6]
	a.aliases[name] = alias
	return alias
}
