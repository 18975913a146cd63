package repository

import "strings"

var globMeta = strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `\`, `\\`)

// globEscape quotes pattern metacharacters in a literal file name part.
func globEscape(s string) string {
	return globMeta.Replace(s)
}
