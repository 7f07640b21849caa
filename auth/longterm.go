// Package auth implements the TURN long-term credential mechanism
// (RFC 5389 section 10.2): deriving a time-scoped username/password pair
// from a shared secret, and deriving the long-term-credential
// MESSAGE-INTEGRITY key from a concrete username/realm/password triple.
package auth

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // required by RFC 5389 section 10.2, not used for security
	"crypto/sha1" //nolint:gosec // required by RFC 5389 section 10.2, not used for security
	"encoding/base64"
	"strconv"
	"time"
)

// LongTermCredentials derives the password half of a long-term
// credential pair: base64(HMAC-SHA1(sharedSecret, username)).
//
// username is expected to be a decimal unix timestamp string expressing
// the credential's expiry, as produced by GenerateLongTermCredentials.
func LongTermCredentials(username, sharedSecret string) (string, error) {
	mac := hmac.New(sha1.New, []byte(sharedSecret))
	if _, err := mac.Write([]byte(username)); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// GenerateLongTermCredentials produces a username/password pair valid
// for ttl from now, per RFC 5389 section 10.2.
func GenerateLongTermCredentials(sharedSecret string, ttl time.Duration) (username, password string, err error) {
	username = strconv.FormatInt(time.Now().Add(ttl).Unix(), 10)
	password, err = LongTermCredentials(username, sharedSecret)
	if err != nil {
		return "", "", err
	}
	return username, password, nil
}

// GenerateAuthKey derives the 16-byte key used as the HMAC-SHA1 key for
// STUN MESSAGE-INTEGRITY throughout a TURN session:
// MD5(username ":" realm ":" password).
func GenerateAuthKey(username, realm, password string) []byte {
	digest := md5.Sum([]byte(username + ":" + realm + ":" + password)) //nolint:gosec // RFC-mandated construction
	return digest[:]
}
