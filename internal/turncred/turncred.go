// Package turncred issues short-lived HMAC-signed TURN credentials.
// Grounded on N0-C0M-Serenada/server/turn_auth.go's HMAC-SHA1 username/
// password scheme and on the original moli-p2p Rust source's
// get_ice_config, which fixes the exact wire contract reproduced here.
package turncred

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"
)

const (
	// TTL is how long a minted credential remains valid, in seconds.
	TTL = 3600

	usernameSuffix = "moli"
	turnURL        = "turn:moli-green.is:3478"
	stunURL        = "stun:stun.l.google.com:19302"
)

// IceServer is one entry of the iceServers array returned to clients.
type IceServer struct {
	URLs       string `json:"urls"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

// Config is the full /api/ice-config response body.
type Config struct {
	IceServers []IceServer `json:"iceServers"`
}

// Issuer mints TURN long-term credentials from a shared secret. It holds
// no mutable state and is safe for concurrent use.
type Issuer struct {
	secret []byte
}

// NewIssuer builds an Issuer bound to a shared secret. The secret is
// validated for non-emptiness at process start (internal/config), not
// here — Issue itself never fails.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// Issue computes the deterministic username/credential pair for the
// given current time: username = "{now+TTL}:moli", credential =
// base64-standard(HMAC-SHA1(secret, username)).
func (i *Issuer) Issue(now time.Time) (username, credential string) {
	expiry := now.Unix() + TTL
	username = fmt.Sprintf("%d:%s", expiry, usernameSuffix)

	mac := hmac.New(sha1.New, i.secret)
	mac.Write([]byte(username))
	credential = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return username, credential
}

// Config builds the full JSON-ready ICE server configuration for the
// given current time: the minted TURN credential plus a fixed STUN
// fallback entry that carries no credential.
func (i *Issuer) Config(now time.Time) Config {
	username, credential := i.Issue(now)
	return Config{
		IceServers: []IceServer{
			{URLs: turnURL, Username: username, Credential: credential},
			{URLs: stunURL, Username: "", Credential: ""},
		},
	}
}
