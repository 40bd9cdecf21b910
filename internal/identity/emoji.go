package identity

import (
	"fmt"
	"strings"

	"github.com/starford/pkb/internal/models"
)

// EmojiLen is the number of symbols in an emoji identity.
const EmojiLen = 8

// alphabet has exactly 64 single-codepoint symbols, one per 6-bit group.
var alphabet = []rune(
	"🐶🐱🐭🐹🐰🦊🐻🐼🐨🐯🦁🐮🐷🐸🐵🐔" +
		"🐧🐦🐤🦆🦅🦉🦇🐺🐗🐴🦄🐝🐛🦋🐌🐞" +
		"🐜🦗🐢🐍🦎🦂🦀🦑🐙🦐🐠🐟🐡🐬🦈🐳" +
		"🐋🐊🐆🐅🐃🐂🐄🦌🐪🐫🦒🐘🦏🐎🐖🐏",
)

var index = func() map[rune]byte {
	m := make(map[rune]byte, len(alphabet))
	for i, r := range alphabet {
		m[r] = byte(i)
	}
	return m
}()

// Emoji encodes the first 48 bits of id as EmojiLen symbols.
func Emoji(id models.NodeID) string {
	var bits uint64
	for i := 0; i < 6; i++ {
		bits = bits<<8 | uint64(id[i])
	}
	var sb strings.Builder
	for i := EmojiLen - 1; i >= 0; i-- {
		sb.WriteRune(alphabet[(bits>>(uint(i)*6))&0x3f])
	}
	return sb.String()
}

// EmojiPrefix decodes an emoji identity back into the 6-byte key prefix it
// was derived from.
func EmojiPrefix(s string) ([6]byte, error) {
	var out [6]byte
	rs := []rune(s)
	if len(rs) != EmojiLen {
		return out, fmt.Errorf("identity: emoji identity must have %d symbols", EmojiLen)
	}
	var bits uint64
	for _, r := range rs {
		v, ok := index[r]
		if !ok {
			return out, fmt.Errorf("identity: unknown symbol %q", r)
		}
		bits = bits<<6 | uint64(v)
	}
	for i := 5; i >= 0; i-- {
		out[i] = byte(bits)
		bits >>= 8
	}
	return out, nil
}
