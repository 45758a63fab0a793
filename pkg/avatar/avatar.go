// Package avatar resolves the picture shown next to a sender.
package avatar

import (
	"encoding/hex"
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/crypto/blake2b"

	"github.com/NicolasHaas/gotalk/pkg/model"
)

const baseURL = "https://ui-avatars.com/api/"

// Initials returns up to two leading ASCII letters or digits of handle,
// upper-cased, or "AN" when there are none.
func Initials(handle string) string {
	var b strings.Builder
	for _, r := range handle {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
		if b.Len() == 2 {
			break
		}
	}
	if b.Len() == 0 {
		return "AN"
	}
	return b.String()
}

// Color derives a stable background colour (hex, no '#') from handle.
func Color(handle string) string {
	sum := blake2b.Sum256([]byte(handle))
	// Keep the colour away from white so the initials stay readable.
	for i := 0; i < 3; i++ {
		sum[i] = sum[i]/2 + 32
	}
	return hex.EncodeToString(sum[:3])
}

// Default returns the generated avatar URL for handle.
func Default(handle string) string {
	q := url.Values{}
	q.Set("name", Initials(handle))
	q.Set("background", Color(handle))
	q.Set("color", "ffffff")
	q.Set("size", "40")
	q.Set("rounded", "true")
	return baseURL + "?" + q.Encode()
}

// Resolve returns the stored avatar of u when set, else the generated one
// for handle. u may be nil for guests.
func Resolve(u *model.User, handle string) string {
	if u != nil && strings.TrimSpace(u.AvatarURL) != "" {
		return u.AvatarURL
	}
	return Default(handle)
}
