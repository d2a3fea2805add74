package tctl

import "strings"

// optionKeys are the join-command flags harvested from token output.
var optionKeys = []string{"roles", "token", "ca-pin", "auth-server"}

// JoinCommand holds the flag values of the suggested join command.
type JoinCommand struct {
	Options map[string]string
}

// TokenResult is the parsed output of the token issuance command.
type TokenResult struct {
	InviteToken string
	Expiry      string
	JoinCommand JoinCommand
}

// ParseToken parses tctl token issuance output. The format is a
// compatibility contract: the token sits on line 1 after ": ", the
// expiry on line 2 after "in ", and the join command flags appear on
// the lines below the header block. Missing pieces become the NotFound
// sentinel instead of failing the parse, so truncated output still
// yields a usable partial result.
func ParseToken(output string) TokenResult {
	result := TokenResult{
		InviteToken: NotFound,
		Expiry:      NotFound,
		JoinCommand: JoinCommand{Options: map[string]string{}},
	}

	lines := strings.Split(output, "\n")

	if len(lines) >= 1 {
		if idx := strings.Index(lines[0], ": "); idx >= 0 {
			result.InviteToken = strings.TrimSpace(lines[0][idx+2:])
		}
	}
	if len(lines) >= 2 {
		if idx := strings.Index(lines[1], "in "); idx >= 0 {
			result.Expiry = strings.TrimSpace(lines[1][idx+3:])
		}
	}

	// Flag lines follow the two header lines; everything in between is
	// prose that carries no --key= tokens.
	for _, line := range lines[min(2, len(lines)):] {
		for _, key := range optionKeys {
			if value, ok := scanOption(line, key); ok {
				result.JoinCommand.Options[key] = value
			}
		}
	}

	return result
}

// scanOption extracts the value of a --key= flag from a line. The value
// runs until the first space after the = sign.
func scanOption(line, key string) (string, bool) {
	marker := "--" + key + "="
	idx := strings.Index(line, marker)
	if idx < 0 {
		return "", false
	}
	value := line[idx+len(marker):]
	if end := strings.IndexByte(value, ' '); end >= 0 {
		value = value[:end]
	}
	return strings.TrimSpace(value), true
}
