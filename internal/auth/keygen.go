package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
)

// Key format: prk_{env}_{prefix}_{secret}
// Example: prk_live_7a9x3k_4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1b
const (
	KeyPrefixLen = 6  // hex of 3 random bytes, stored for lookup
	KeySecretLen = 32 // hex of 16 random bytes, never stored
)

// Environment markers embedded in a key.
const (
	EnvLive = "live"
	EnvTest = "test"
)

// ErrInvalidKeyFormat indicates the key format is invalid.
var ErrInvalidKeyFormat = errors.New("invalid API key format")

var keyFormatRegex = regexp.MustCompile(`^prk_(live|test)_([a-f0-9]{6})_([a-f0-9]{32})$`)

// GeneratedKey is a freshly issued key. Plaintext is shown to the caller
// once; only Hash and Prefix are stored.
type GeneratedKey struct {
	Plaintext string
	Hash      string
	Prefix    string
}

// KeyGenerator issues API keys from a random source.
type KeyGenerator struct {
	rand   io.Reader
	params Argon2Params
}

// NewKeyGenerator creates a generator reading randomness from r and
// hashing with KeyParams.
func NewKeyGenerator(r io.Reader) *KeyGenerator {
	return &KeyGenerator{rand: r, params: KeyParams}
}

var defaultKeyGenerator = NewKeyGenerator(rand.Reader)

// GenerateAPIKey issues a key for env with crypto/rand. Unknown
// environments fall back to live.
func GenerateAPIKey(env string) (*GeneratedKey, error) {
	return defaultKeyGenerator.Generate(env)
}

// Generate issues a key for env.
func (g *KeyGenerator) Generate(env string) (*GeneratedKey, error) {
	if env != EnvLive && env != EnvTest {
		env = EnvLive
	}

	raw := make([]byte, (KeyPrefixLen+KeySecretLen)/2)
	if _, err := io.ReadFull(g.rand, raw); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	key := ParsedKey{
		Env:    env,
		Prefix: hex.EncodeToString(raw[:KeyPrefixLen/2]),
		Secret: hex.EncodeToString(raw[KeyPrefixLen/2:]),
	}

	plaintext := key.String()
	hash, err := g.params.Hash(plaintext)
	if err != nil {
		return nil, fmt.Errorf("hash key: %w", err)
	}

	return &GeneratedKey{Plaintext: plaintext, Hash: hash, Prefix: key.Prefix}, nil
}

// ParsedKey holds the parts of a plaintext key.
type ParsedKey struct {
	Env    string
	Prefix string
	Secret string
}

// String reassembles the plaintext key.
func (k ParsedKey) String() string {
	return fmt.Sprintf("prk_%s_%s_%s", k.Env, k.Prefix, k.Secret)
}

// Redacted returns the key with its secret elided, safe for logs.
func (k ParsedKey) Redacted() string {
	return fmt.Sprintf("prk_%s_%s_…", k.Env, k.Prefix)
}

// ParseAPIKey splits a plaintext key into its parts.
func ParseAPIKey(key string) (*ParsedKey, error) {
	m := keyFormatRegex.FindStringSubmatch(key)
	if m == nil {
		return nil, ErrInvalidKeyFormat
	}
	return &ParsedKey{Env: m[1], Prefix: m[2], Secret: m[3]}, nil
}

// ValidateKeyFormat reports whether key is well formed.
func ValidateKeyFormat(key string) bool {
	return keyFormatRegex.MatchString(key)
}
