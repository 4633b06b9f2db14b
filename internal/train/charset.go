package train

import (
	"fmt"
	"strings"
)

// Charset maps characters to label ids. Id 0 is the blank.
type Charset struct {
	runes []rune
	ids   map[rune]int
}

// EnglishCharset is blank, space, apostrophe and a-z: 29 labels.
func EnglishCharset() *Charset {
	return NewCharset(" 'abcdefghijklmnopqrstuvwxyz")
}

// NewCharset assigns ids 1..n to the runes of symbols in order.
func NewCharset(symbols string) *Charset {
	c := &Charset{runes: []rune{0}, ids: make(map[rune]int)}
	for _, r := range symbols {
		if _, ok := c.ids[r]; ok {
			continue
		}
		c.ids[r] = len(c.runes)
		c.runes = append(c.runes, r)
	}
	return c
}

// Size includes the blank.
func (c *Charset) Size() int { return len(c.runes) }

// Encode lowercases text and maps it to label ids.
func (c *Charset) Encode(text string) ([]int, error) {
	var out []int
	for _, r := range strings.ToLower(text) {
		id, ok := c.ids[r]
		if !ok {
			return nil, fmt.Errorf("character %q is not in the charset", r)
		}
		out = append(out, id)
	}
	return out, nil
}

// Decode maps ids back to text, skipping blanks and unknown ids.
func (c *Charset) Decode(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		if id > 0 && id < len(c.runes) {
			b.WriteRune(c.runes[id])
		}
	}
	return b.String()
}
