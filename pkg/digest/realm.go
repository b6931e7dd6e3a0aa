package digest

import (
	"crypto/md5"
	"encoding/hex"
)

// Realm resolves digest credentials for a protection space.
type Realm interface {
	// Name is the realm name sent in challenges and expected in responses.
	Name() string

	// HA1 returns hex(md5(username:realm:password)) for username.
	HA1(username string) (string, bool)
}

// Principal is an authenticated user.
type Principal struct {
	Username string
	Realm    string
}

// HA1 computes the digest of a user's credentials.
func HA1(username, realm, password string) string {
	return md5Hex(username + ":" + realm + ":" + password)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// StaticRealm is a fixed set of users.
type StaticRealm struct {
	name string
	ha1  map[string]string
}

// NewStaticRealm creates a realm from username to password pairs.
func NewStaticRealm(name string, users map[string]string) *StaticRealm {
	r := &StaticRealm{name: name, ha1: make(map[string]string, len(users))}
	for user, password := range users {
		r.ha1[user] = HA1(user, name, password)
	}
	return r
}

func (r *StaticRealm) Name() string { return r.name }

func (r *StaticRealm) HA1(username string) (string, bool) {
	h, ok := r.ha1[username]
	return h, ok
}
