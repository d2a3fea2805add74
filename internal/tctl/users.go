package tctl

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RemoteUser is one account as reported by a portal's live listing.
type RemoteUser struct {
	Name      string
	Roles     []string
	Created   time.Time
	CreatedBy string
}

// userResource mirrors the JSON shape emitted by `tctl users ls --format=json`.
type userResource struct {
	Metadata struct {
		Name string `json:"name"`
	} `json:"metadata"`
	Spec struct {
		Roles     []string `json:"roles"`
		CreatedBy struct {
			Time string `json:"time"`
			User struct {
				Name string `json:"name"`
			} `json:"user"`
		} `json:"created_by"`
	} `json:"spec"`
}

// ParseUsers parses the JSON account listing. Malformed input fails the
// whole listing so an inconsistent snapshot is never ingested. Creation
// timestamps are best-effort: an absent or unparsable time falls back
// to ingestedAt.
func ParseUsers(output string, ingestedAt time.Time) ([]RemoteUser, error) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty listing", ErrOutputParse)
	}

	var resources []userResource
	if err := json.Unmarshal([]byte(trimmed), &resources); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutputParse, err)
	}

	users := make([]RemoteUser, 0, len(resources))
	for _, res := range resources {
		if res.Metadata.Name == "" {
			return nil, fmt.Errorf("%w: user resource without a name", ErrOutputParse)
		}

		created := ingestedAt
		if raw := res.Spec.CreatedBy.Time; raw != "" {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				created = t
			}
		}

		users = append(users, RemoteUser{
			Name:      res.Metadata.Name,
			Roles:     res.Spec.Roles,
			Created:   created,
			CreatedBy: res.Spec.CreatedBy.User.Name,
		})
	}

	return users, nil
}
