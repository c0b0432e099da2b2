// Package shellsplit splits a single shell-style command-line string into
// argv words, honoring single quotes, double quotes, and backslash
// escapes.
//
// Grounded on original_source/crates/mcp-server-conceal/src/main.rs's
// parse_target_args, which feeds --target-args through the shell_words
// crate. No equivalent POSIX word-splitting library appears anywhere in
// the example pack (confirmed by grep for shlex/shellwords/shell_words
// across every go.mod), so this is a small stdlib implementation of the
// same quoting rules shell_words::split implements, rather than an
// imported dependency.
package shellsplit

import "fmt"

// Split divides s into words the way a POSIX shell would when expanding an
// unquoted word list: runs of unquoted whitespace separate words; single
// quotes suppress all special meaning; double quotes suppress everything
// except backslash before a double quote or backslash; a backslash outside
// quotes escapes the next character.
func Split(s string) ([]string, error) {
	var words []string
	var current []rune
	hasCurrent := false

	runes := []rune(s)
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			if hasCurrent {
				words = append(words, string(current))
				current = current[:0]
				hasCurrent = false
			}
			i++
		case c == '\'':
			hasCurrent = true
			j := i + 1
			for j < len(runes) && runes[j] != '\'' {
				current = append(current, runes[j])
				j++
			}
			if j >= len(runes) {
				return nil, fmt.Errorf("shellsplit: unterminated single quote")
			}
			i = j + 1
		case c == '"':
			hasCurrent = true
			j := i + 1
			for j < len(runes) && runes[j] != '"' {
				if runes[j] == '\\' && j+1 < len(runes) && (runes[j+1] == '"' || runes[j+1] == '\\') {
					current = append(current, runes[j+1])
					j += 2
					continue
				}
				current = append(current, runes[j])
				j++
			}
			if j >= len(runes) {
				return nil, fmt.Errorf("shellsplit: unterminated double quote")
			}
			i = j + 1
		case c == '\\':
			if i+1 >= len(runes) {
				return nil, fmt.Errorf("shellsplit: trailing backslash")
			}
			hasCurrent = true
			current = append(current, runes[i+1])
			i += 2
		default:
			hasCurrent = true
			current = append(current, c)
			i++
		}
	}
	if hasCurrent {
		words = append(words, string(current))
	}
	return words, nil
}
