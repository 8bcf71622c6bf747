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

package confirm

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a confirmation ticket.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
	StatusConsumed Status = "consumed"
)

// Ticket represents a destructive action awaiting human approval. The
// id is an unguessable UUID; the serialized payload is executed exactly
// once after approval, then the ticket is gone.
type Ticket struct {
	ID          string          `json:"id"`
	Tool        string          `json:"tool"`
	Server      string          `json:"server"`
	Payload     json.RawMessage `json:"payload"`
	PrincipalID string          `json:"principal_id"`
	Roles       []string        `json:"roles"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Status      Status          `json:"status"`
}
