package models

import "time"

// Role is the marketplace side a user signed up for.
type Role string

const (
	RoleTalent  Role = "TALENT"
	RoleInsider Role = "INSIDER"
)

// Profile holds the matching criteria of a user from the profile store.
type Profile struct {
	UID               string    `json:"uid"`
	Role              Role      `json:"role"`
	Company           string    `json:"company,omitempty"`
	Companies         []string  `json:"companies"`
	Positions         []string  `json:"positions"`
	Skills            []string  `json:"skills,omitempty"`
	Industries        []string  `json:"industries,omitempty"`
	SearchImmediately bool      `json:"searchImmediately"`
	CreatedAt         time.Time `json:"createdAt"`
}
