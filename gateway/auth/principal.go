// Copyright 2025 Tamshai
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"sort"
	"time"
)

// Principal is the authenticated caller. The role set is built only from
// a cryptographically verified token and is immutable for the lifetime
// of one request.
type Principal struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	Roles       []string  `json:"roles"`
	TokenID     string    `json:"-"` // jti, used for revocation
	ExpiresAt   time.Time `json:"-"`
}

// HasRole reports whether the principal holds the given role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the principal holds at least one of the
// given roles (any-of semantics used by tool authorization).
func (p *Principal) HasAnyRole(roles []string) bool {
	for _, r := range roles {
		if p.HasRole(r) {
			return true
		}
	}
	return false
}

// mergeRoles unions the realm-wide and client-scoped role lists,
// deduplicating and sorting for stable audit snapshots.
func mergeRoles(realmRoles, clientRoles []string) []string {
	seen := make(map[string]bool, len(realmRoles)+len(clientRoles))
	merged := make([]string, 0, len(realmRoles)+len(clientRoles))
	for _, list := range [][]string{realmRoles, clientRoles} {
		for _, role := range list {
			if role == "" || seen[role] {
				continue
			}
			seen[role] = true
			merged = append(merged, role)
		}
	}
	sort.Strings(merged)
	return merged
}
