package tctl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const userListing = `[
  {
    "metadata": {"name": "alice"},
    "spec": {
      "roles": ["access", "editor"],
      "created_by": {
        "time": "2025-03-14T09:30:00Z",
        "user": {"name": "admin"}
      }
    }
  },
  {
    "metadata": {"name": "bob"},
    "spec": {
      "roles": ["access"],
      "created_by": {"user": {"name": "admin"}}
    }
  }
]`

func TestParseUsers(t *testing.T) {
	ingestedAt := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)

	users, err := ParseUsers(userListing, ingestedAt)
	require.NoError(t, err)
	require.Len(t, users, 2)

	assert.Equal(t, "alice", users[0].Name)
	assert.Equal(t, []string{"access", "editor"}, users[0].Roles)
	assert.Equal(t, time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC), users[0].Created)
	assert.Equal(t, "admin", users[0].CreatedBy)

	// No creation time reported: fall back to ingestion time
	assert.Equal(t, "bob", users[1].Name)
	assert.Equal(t, ingestedAt, users[1].Created)
}

func TestParseUsers_UnparsableTimestampFallsBack(t *testing.T) {
	ingestedAt := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	listing := `[{"metadata":{"name":"carol"},"spec":{"roles":[],"created_by":{"time":"yesterday"}}}]`

	users, err := ParseUsers(listing, ingestedAt)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, ingestedAt, users[0].Created)
}

func TestParseUsers_MalformedInputFailsWhole(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{"empty", ""},
		{"whitespace", "  \n  "},
		{"not json", "ERROR: connection refused"},
		{"truncated json", `[{"metadata":{"name":"alice"}`},
		{"object instead of array", `{"metadata":{"name":"alice"}}`},
		{"nameless user", `[{"metadata":{},"spec":{"roles":["access"]}}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users, err := ParseUsers(tt.output, time.Now())
			require.ErrorIs(t, err, ErrOutputParse)
			assert.Nil(t, users)
		})
	}
}

func TestCommands(t *testing.T) {
	assert.Equal(t,
		"sudo tctl users update --set-roles access,editor alice",
		SetRolesCommand("alice", []string{"access", "editor"}))
	assert.Equal(t, "sudo tctl users ls --format=json", ListUsersCommand())
	assert.Equal(t, "sudo tctl tokens add --type=node --ttl=5m", TokensAddCommand())
}
