// Package mention finds @name tokens in comment text and resolves them to users.
package mention

import (
	"regexp"
	"strings"
	"unicode"
)

var tokenPattern = regexp.MustCompile(`@([\p{L}\p{N}._-]+)`)

// Candidate is a user who may be mentioned in a project.
type Candidate struct {
	ID          string
	DisplayName string
	Email       string
}

// keys returns the normalized names c answers to: the display name and the
// local part of the email address.
func (c Candidate) keys() []string {
	var keys []string
	if key := Normalize(c.DisplayName); key != "" {
		keys = append(keys, key)
	}
	if local, _, ok := strings.Cut(c.Email, "@"); ok {
		if key := Normalize(local); key != "" && (len(keys) == 0 || keys[0] != key) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Normalize folds a display name or token so "Ada Lovelace", "@ada.lovelace"
// and "@AdaLovelace" compare equal.
func Normalize(value string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(value) {
		if unicode.IsSpace(r) || r == '.' || r == '_' || r == '-' || r == '@' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Tokens returns the distinct normalized @tokens in body, in order of appearance.
func Tokens(body string) []string {
	matches := tokenPattern.FindAllStringSubmatch(body, -1)
	seen := make(map[string]struct{}, len(matches))
	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		token := Normalize(m[1])
		if token == "" {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		tokens = append(tokens, token)
	}
	return tokens
}

// Resolve maps the mentions in body to user ids. Every candidate whose
// normalized display name or email local part matches a token is returned, so colliding names all get
// notified. Ids are unique, follow token order, and never include exclude.
func Resolve(body string, candidates []Candidate, exclude string) []string {
	tokens := Tokens(body)
	if len(tokens) == 0 {
		return nil
	}

	byName := make(map[string][]string, len(candidates))
	for _, c := range candidates {
		for _, key := range c.keys() {
			byName[key] = append(byName[key], c.ID)
		}
	}

	var ids []string
	seen := make(map[string]struct{})
	for _, token := range tokens {
		for _, id := range byName[token] {
			if id == exclude {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}
