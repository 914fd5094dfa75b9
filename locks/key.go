package locks

import (
	"crypto/sha256"
	"strconv"
)

// keyModulus bounds derived keys to [0, 10^8).
const keyModulus = 100_000_000

// Key is the integer identifier of an advisory lock.
type Key uint32

// Int64 returns the key in the form the databases bind it.
func (k Key) Int64() int64 {
	return int64(k)
}

func (k Key) String() string {
	return strconv.FormatUint(uint64(k), 10)
}

// LockName scopes name to namespace.
func LockName(namespace, name string) string {
	return namespace + "." + name
}

// DeriveKey maps (namespace, name) to a lock key: the SHA-256 digest of the
// scoped name, read as a big-endian integer, modulo 10^8. Distinct names may
// collide; such names simply share a lock.
func DeriveKey(namespace, name string) Key {
	sum := sha256.Sum256([]byte(LockName(namespace, name)))

	var r uint64
	for _, b := range sum {
		r = (r<<8 | uint64(b)) % keyModulus
	}
	return Key(r)
}
