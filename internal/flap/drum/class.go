package drum

var namedClasses = map[string]string{
	Blank: "sp",
	".":   "period",
	",":   "comma",
	"?":   "question",
	"!":   "exclaim",
	"/":   "slash",
	"'":   "apostrophe",
	"+":   "plus",
	"-":   "minus",
	"&":   "amp",
	":":   "colon",
	"#":   "hash",
}

// Class maps a token to the visual class a renderer draws for it.
func Class(tok string) string {
	if c, ok := namedClasses[tok]; ok {
		return c
	}
	if tok == "" {
		return namedClasses[Blank]
	}
	return "c-" + tok
}
