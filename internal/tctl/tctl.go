// Package tctl builds the command lines the console runs on remote
// portals and parses their loosely structured output into typed results.
package tctl

import (
	"errors"
	"fmt"
	"strings"
)

// NotFound is the sentinel value for token fields that could not be
// located in the command output. Partial output still yields a usable,
// partially populated result.
const NotFound = "Not found"

// ErrOutputParse indicates the structured user listing could not be
// decoded. The whole listing is discarded; nothing partial is ingested.
var ErrOutputParse = errors.New("unparsable command output")

// SetRolesCommand builds the idempotent role-assignment command. The
// full target role set is written every time, so re-running with the
// same set is a no-op on the portal.
func SetRolesCommand(userName string, roles []string) string {
	return fmt.Sprintf("sudo tctl users update --set-roles %s %s", strings.Join(roles, ","), userName)
}

// ListUsersCommand builds the machine-readable account listing command.
func ListUsersCommand() string {
	return "sudo tctl users ls --format=json"
}

// TokensAddCommand builds the node join token issuance command.
func TokensAddCommand() string {
	return "sudo tctl tokens add --type=node --ttl=5m"
}
