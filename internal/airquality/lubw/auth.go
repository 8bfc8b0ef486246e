package lubw

import (
	"encoding/base64"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// BasicAuth builds the value of the Authorization header for the LUBW API.
// The API only accepts credentials whose non-ASCII characters are sent as
// UTF-8, so the "username:password" string is normalized to UTF-8 before it
// is base64 encoded. Input that is not valid UTF-8 is taken to be Latin-1.
func BasicAuth(username, password string) string {
	creds := username + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString(utf8Bytes(creds))
}

func utf8Bytes(s string) []byte {
	if utf8.ValidString(s) {
		return []byte(s)
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().String(s)
	if err != nil {
		return []byte(s)
	}
	return []byte(decoded)
}
