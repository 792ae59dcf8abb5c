package bot

import "strings"

// CommandParser splits "/vote pothole 3" into a command and its arguments.
// Accepts the !, . and / prefixes and strips a trailing @botname.
type CommandParser struct {
	validPrefixes []string
}

func NewCommandParser() *CommandParser {
	return &CommandParser{
		validPrefixes: []string{"!", ".", "/"},
	}
}

// ParseCommand returns the lower-cased command, its arguments and whether
// text was a command at all.
func (p *CommandParser) ParseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)

	hasPrefix := false
	for _, prefix := range p.validPrefixes {
		if strings.HasPrefix(text, prefix) {
			text = strings.TrimPrefix(text, prefix)
			hasPrefix = true
			break
		}
	}
	if !hasPrefix {
		return "", nil, false
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return "", nil, false
	}

	command, _, _ := strings.Cut(strings.ToLower(parts[0]), "@")
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	return command, args, true
}
