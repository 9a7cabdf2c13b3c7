package drum

import (
	"fmt"
	"strings"
)

// Kind selects the alphabet a slot rotates through.
type Kind string

const (
	Full      Kind = "full"
	Character Kind = "character"
	Numeric   Kind = "numeric"
	Image     Kind = "image"
)

// Blank is the token every alphabet starts with. Unknown targets resolve to it.
const Blank = " "

const (
	letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits  = "0123456789"
)

var (
	fullTokens      = explode(Blank + letters + digits + ".,?!/'+-&:#" + "↑↓")
	characterTokens = explode(Blank + letters + ".-")
	numericTokens   = explode(Blank + digits + "-:")
)

func explode(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// Alphabet returns a fresh copy of the alphabet for kind. Image alphabets are
// the blank followed by imageTokens in order, with duplicates and empty tokens
// removed.
func Alphabet(kind Kind, imageTokens []string) ([]string, error) {
	var src []string
	switch kind {
	case Full:
		src = fullTokens
	case Character:
		src = characterTokens
	case Numeric:
		src = numericTokens
	case Image:
		out := []string{Blank}
		seen := map[string]bool{Blank: true}
		for _, t := range imageTokens {
			t = strings.TrimSpace(t)
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown drum kind %q", kind)
	}
	out := make([]string, len(src))
	copy(out, src)
	return out, nil
}

// Drum is one slot's private copy of an alphabet. It is kept rotated so that
// index 0 is the character the slot will show once its queued steps finish.
type Drum struct {
	kind   Kind
	tokens []string
}

func New(kind Kind, imageTokens []string) (*Drum, error) {
	tokens, err := Alphabet(kind, imageTokens)
	if err != nil {
		return nil, err
	}
	return &Drum{kind: kind, tokens: tokens}, nil
}

func (d *Drum) Kind() Kind { return d.kind }
func (d *Drum) Len() int   { return len(d.tokens) }

// Current is the token at rotation offset 0.
func (d *Drum) Current() string { return d.tokens[0] }

// Index reports the forward distance from Current to tok, or -1.
func (d *Drum) Index(tok string) int {
	for i, t := range d.tokens {
		if t == tok {
			return i
		}
	}
	return -1
}

func (d *Drum) BlankIndex() int { return d.Index(Blank) }

// Resolve is Index with unknown tokens mapped to the blank position.
func (d *Drum) Resolve(tok string) int {
	if i := d.Index(tok); i >= 0 {
		return i
	}
	return d.BlankIndex()
}

// Steps lists the tokens shown, in order, when advancing target positions.
func (d *Drum) Steps(target int) []string {
	if target <= 0 {
		return nil
	}
	if target >= len(d.tokens) {
		target = len(d.tokens) - 1
	}
	out := make([]string, target)
	copy(out, d.tokens[1:target+1])
	return out
}

// RotateLeft moves offset n to index 0.
func (d *Drum) RotateLeft(n int) {
	l := len(d.tokens)
	if l == 0 {
		return
	}
	n %= l
	if n <= 0 {
		return
	}
	rotated := make([]string, 0, l)
	rotated = append(rotated, d.tokens[n:]...)
	rotated = append(rotated, d.tokens[:n]...)
	d.tokens = rotated
}

// Tokens returns a copy of the rotated alphabet.
func (d *Drum) Tokens() []string {
	out := make([]string, len(d.tokens))
	copy(out, d.tokens)
	return out
}
