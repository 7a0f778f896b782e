package manager

import (
	"crypto/rand"
	"encoding/hex"
)

// Session is the per-request handle returned by NewSession and required by
// every other Manager operation. The original tracked sessions in a
// `magic` field set only by its own session constructor, so a
// caller-fabricated session object could never pass validation; token
// plays the same role here. It is unexported, so a Session value built
// outside this package (struct literal, zero value) always has an empty
// token and is always rejected by checkSession — there is no need for a
// central session registry to detect forgeries.
type Session struct {
	token    string
	Platform string
	UID      int32
	GID      int32
}

// newToken returns a fresh random session token. Collisions are
// astronomically unlikely and are not guarded against, matching how the
// original treated its magic values.
func newToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("manager: reading random bytes: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// checkSession reports whether sess is a handle this package minted: a nil
// session or a zero-value (forged, caller-constructed) session is always
// rejected, since only NewSession ever sets token.
func checkSession(sess *Session) bool {
	return sess != nil && sess.token != ""
}
