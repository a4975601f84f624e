package store

import (
	"strings"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
)

// compileGlob compiles a SCAN MATCH pattern. Without separators `*` spans
// any character, `/` included, as it does in redis. Braces and commas are
// literal in redis, so they are escaped, and `[^...]` becomes `[!...]`.
func compileGlob(pattern string) (glob.Glob, error) {
	var b strings.Builder
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case '\\':
			b.WriteRune(r)
			if i+1 < len(runes) {
				i++
				b.WriteRune(runes[i])
			}
		case '{', '}', ',':
			b.WriteRune('\\')
			b.WriteRune(r)
		case '[':
			b.WriteRune(r)
			if i+1 < len(runes) && runes[i+1] == '^' {
				i++
				b.WriteRune('!')
			}
		default:
			b.WriteRune(r)
		}
	}
	g, err := glob.Compile(b.String())
	if err != nil {
		return nil, errors.Wrapf(err, "store: bad pattern %q", pattern)
	}
	return g, nil
}
