package model

import (
	"fmt"
	"strings"
)

// Site identifies the geographic location hosting one replica
type Site string

// String returns the site identifier
func (s Site) String() string {
	return string(s)
}

// ParseSite normalizes a site identifier. Site names are case-insensitive and
// surrounding whitespace is ignored.
func ParseSite(raw string) (Site, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" {
		return "", fmt.Errorf("site name cannot be empty")
	}
	return Site(name), nil
}

// ReplicaStatus is a point-in-time view of a replica used by status endpoints
type ReplicaStatus struct {
	Site      Site              `json:"site"`
	Available bool              `json:"available"`
	Files     map[string]uint64 `json:"files"`
}
