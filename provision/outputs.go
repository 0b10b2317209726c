package provision

import "strings"

const outputSeparator = " = "

// ParseOutputs parses the human readable "key = value" listing printed by the tool's output
// subcommand. Lines that do not split into exactly two parts are ignored.
func ParseOutputs(text string) map[string]string {
	outputs := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		pair := strings.Split(line, outputSeparator)
		if len(pair) != 2 {
			continue
		}
		outputs[pair[0]] = Unquote(pair[1])
	}
	return outputs
}

// Unquote strips one pair of surrounding double quotes
func Unquote(value string) string {
	if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
		return value[1 : len(value)-1]
	}
	return value
}
