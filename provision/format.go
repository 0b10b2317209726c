package provision

import "regexp"

var tokenPattern = regexp.MustCompile(`\$\(([^()]*)\)`)

// FormatTemplate replaces every $(key) token in template with the matching output value.
// Tokens without a matching key are left untouched, and substituted values are not expanded again.
func FormatTemplate(template string, outputs map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(template, func(token string) string {
		key := token[2 : len(token)-1]
		value, ok := outputs[key]
		if !ok {
			return token
		}
		return Unquote(value)
	})
}
