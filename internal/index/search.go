package index

import (
	"strings"
	"unicode"
)

// searchTerms splits a user query into the words every hit must contain.
// Words without a letter or digit cannot match anything and are dropped.
func searchTerms(query string) []string {
	var out []string
	for _, f := range strings.Fields(query) {
		if strings.IndexFunc(f, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) >= 0 {
			out = append(out, f)
		}
	}
	return out
}

// likePattern turns a term into a LIKE pattern matching it anywhere, with
// the wildcards it contains taken literally. Use with ESCAPE '\'.
func likePattern(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(term) + "%"
}

// matchExpr builds an FTS5 query requiring every term as a prefix. Terms are
// quoted so operators and punctuation in user input are not interpreted.
func matchExpr(terms []string) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"*`
	}
	return strings.Join(parts, " ")
}
