// Package builtin implements session & identity mode B (spec §4.5): all
// identity state lives in the Store's system buckets (§6.4), fronted by
// this package's policy layer (hashing, sessions, ACL).
package builtin

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the spec's minimum (§4.5).
const MinPasswordLength = 8

var (
	ErrInvalidHash        = errors.New("invalid password hash format")
	ErrPasswordTooShort   = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
)

// argon2Params are tuned for a gateway process, not a batch job: enough
// memory cost to resist GPU cracking without starving request handling
// under concurrent logins. Grounded on
// _examples/go-mizu-mizu/blueprints/bi/pkg/password/argon2.go's PHC-string
// encoding, generalized to also recognize legacy bcrypt hashes so a
// pre-existing user store can be migrated without a forced reset.
type argon2Params struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	saltLength  uint32
	keyLength   uint32
}

func defaultArgon2Params() argon2Params {
	return argon2Params{memory: 64 * 1024, iterations: 3, parallelism: 2, saltLength: 16, keyLength: 32}
}

// ValidatePasswordLength enforces the spec's 8-character minimum.
func ValidatePasswordLength(password string) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	return nil
}

// HashPassword produces a PHC-formatted Argon2id hash:
// $argon2id$v=19$m=65536,t=3,p=2$salt$hash
func HashPassword(password string) (string, error) {
	p := defaultArgon2Params()
	salt := make([]byte, p.saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, p.iterations, p.memory, p.parallelism, p.keyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.iterations, p.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword checks password against an encoded hash in constant time
// (spec §4.5: "Verification MUST be constant-time"). It transparently
// accepts legacy bcrypt hashes ("$2a$"/"$2b$"/"$2y$" prefixes) so an
// existing user base can be migrated onto Argon2id gradually — see
// NeedsRehash.
func VerifyPassword(password, encodedHash string) (bool, error) {
	if isBcryptHash(encodedHash) {
		err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password))
		return err == nil, nil
	}
	params, salt, hash, err := decodeArgon2Hash(encodedHash)
	if err != nil {
		return false, err
	}
	candidate := argon2.IDKey([]byte(password), salt, params.iterations, params.memory, params.parallelism, params.keyLength)
	return subtle.ConstantTimeCompare(hash, candidate) == 1, nil
}

// NeedsRehash reports whether a stored hash should be replaced with a
// fresh Argon2id hash: always true for legacy bcrypt hashes, or true for
// an Argon2id hash using outdated cost parameters.
func NeedsRehash(encodedHash string) bool {
	if isBcryptHash(encodedHash) {
		return true
	}
	params, _, hash, err := decodeArgon2Hash(encodedHash)
	if err != nil {
		return true
	}
	d := defaultArgon2Params()
	return params.memory != d.memory || params.iterations != d.iterations ||
		params.parallelism != d.parallelism || uint32(len(hash)) != d.keyLength
}

func isBcryptHash(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") || strings.HasPrefix(encoded, "$2b$") || strings.HasPrefix(encoded, "$2y$")
}

func decodeArgon2Hash(encodedHash string) (argon2Params, []byte, []byte, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return argon2Params{}, nil, nil, ErrInvalidHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return argon2Params{}, nil, nil, ErrInvalidHash
	}
	var p argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.iterations, &p.parallelism); err != nil {
		return argon2Params{}, nil, nil, ErrInvalidHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return argon2Params{}, nil, nil, ErrInvalidHash
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return argon2Params{}, nil, nil, ErrInvalidHash
	}
	p.saltLength = uint32(len(salt))
	p.keyLength = uint32(len(hash))
	return p, salt, hash, nil
}
