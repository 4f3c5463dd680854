package controls

import (
	"strings"
	"unicode"
)

var stopWords = map[string]bool{
	"the": true, "an": true, "and": true, "then": true, "to": true,
	"press": true, "hold": true, "tap": true, "key": true, "keys": true,
	"for": true, "with": true, "while": true, "test": true, "try": true,
	"character": true, "player": true, "please": true,
}

// Resolve maps a free-form request onto action names from table. Each word
// of the request is matched, in order of preference, against action names,
// key names and description words. When nothing matches, the table's
// movement actions are used instead. The result keeps first-match order
// and has no duplicates.
func Resolve(request string, table ActionTable) []string {
	var resolved []string
	seen := make(map[string]bool)
	add := func(names ...string) {
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				resolved = append(resolved, n)
			}
		}
	}

	for _, tok := range tokenize(request) {
		add(matchToken(tok, table)...)
	}

	if len(resolved) == 0 {
		add(table.Movement()...)
	}
	return resolved
}

// ResolveAll resolves several requests as one, e.g. an explicit list of
// action names.
func ResolveAll(requests []string, table ActionTable) []string {
	return Resolve(strings.Join(requests, " "), table)
}

type token struct {
	text string
	// upper is set when the word was written with a capital letter, which
	// lets a lone "A" name the key while "a" stays an article.
	upper bool
}

func tokenize(request string) []token {
	fields := strings.FieldsFunc(request, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
	})

	tokens := make([]token, 0, len(fields))
	for _, f := range fields {
		lower := strings.ToLower(f)
		if stopWords[lower] {
			continue
		}
		upper := f != lower
		if lower == "a" && !upper {
			continue
		}
		tokens = append(tokens, token{text: lower, upper: upper})
	}
	return tokens
}

func matchToken(tok token, table ActionTable) []string {
	for _, a := range table {
		if strings.ToLower(a.Name) == tok.text {
			return []string{a.Name}
		}
	}

	var byKey []string
	for _, a := range table {
		for _, k := range a.Keys {
			if strings.ToLower(k) == tok.text {
				byKey = append(byKey, a.Name)
				break
			}
		}
	}
	if len(byKey) > 0 {
		return byKey
	}

	var byWord []string
	for _, a := range table {
		if containsWord(a.Description, tok.text) || containsWord(strings.ReplaceAll(a.Name, "_", " "), tok.text) {
			byWord = append(byWord, a.Name)
		}
	}
	return byWord
}

func containsWord(text, word string) bool {
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r))
	}) {
		if w == word {
			return true
		}
	}
	return false
}
