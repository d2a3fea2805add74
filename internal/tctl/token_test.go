package tctl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fullTokenOutput mirrors real tctl tokens add output.
const fullTokenOutput = `The invite token: abc123def456
This token will expire in 5 minutes.

Run this on the new node to join the cluster:

> teleport start \
   --roles=node \
   --token=abc123def456 \
   --ca-pin=sha256:1f2e3d4c \
   --auth-server=10.0.1.5:3025

Please note:
  - This invitation token will expire in 5 minutes
`

func TestParseToken_FullOutput(t *testing.T) {
	result := ParseToken(fullTokenOutput)

	assert.Equal(t, "abc123def456", result.InviteToken)
	assert.Equal(t, "5 minutes.", result.Expiry)
	assert.Equal(t, "node", result.JoinCommand.Options["roles"])
	assert.Equal(t, "abc123def456", result.JoinCommand.Options["token"])
	assert.Equal(t, "sha256:1f2e3d4c", result.JoinCommand.Options["ca-pin"])
	assert.Equal(t, "10.0.1.5:3025", result.JoinCommand.Options["auth-server"])
}

func TestParseToken_CompactOutput(t *testing.T) {
	result := ParseToken("Token: abc123\nExpires in 5m\n...\n--roles=node --token=abc123")

	assert.Equal(t, "abc123", result.InviteToken)
	assert.Equal(t, "5m", result.Expiry)
	assert.Equal(t, "node", result.JoinCommand.Options["roles"])
	assert.Equal(t, "abc123", result.JoinCommand.Options["token"])
}

func TestParseToken_PartialOutputYieldsSentinels(t *testing.T) {
	tests := []struct {
		name   string
		output string
		token  string
		expiry string
	}{
		{"empty", "", NotFound, NotFound},
		{"no separators", "garbage\nmore garbage", NotFound, NotFound},
		{"token only", "The invite token: tok123", "tok123", NotFound},
		{"single line with both markers", "Token: tok123", "tok123", NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseToken(tt.output)
			assert.Equal(t, tt.token, result.InviteToken)
			assert.Equal(t, tt.expiry, result.Expiry)
			require.NotNil(t, result.JoinCommand.Options)
			assert.Empty(t, result.JoinCommand.Options)
		})
	}
}

func TestParseToken_OptionValueStopsAtSpace(t *testing.T) {
	result := ParseToken("x\ny\n--roles=node,proxy rest of line --token=tok")

	assert.Equal(t, "node,proxy", result.JoinCommand.Options["roles"])
	assert.Equal(t, "tok", result.JoinCommand.Options["token"])
}

func TestParseToken_UnknownFlagsIgnored(t *testing.T) {
	result := ParseToken("x\ny\n--labels=env=prod --roles=node")

	assert.Equal(t, "node", result.JoinCommand.Options["roles"])
	assert.NotContains(t, result.JoinCommand.Options, "labels")
}
