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

package defense

import (
	"context"
	"fmt"
)

// RoleConsistencyInspector is stage 4: rejects tool calls the model
// attempts on behalf of a tool the current principal cannot reach. The
// role router already authorizes every invocation; this stage catches a
// compromised or confused model before the router is even consulted.
type RoleConsistencyInspector struct{}

// NewRoleConsistencyInspector creates the role-consistency stage.
func NewRoleConsistencyInspector() *RoleConsistencyInspector {
	return &RoleConsistencyInspector{}
}

func (i *RoleConsistencyInspector) Name() string { return "role-consistency" }

func (i *RoleConsistencyInspector) Inspect(_ context.Context, in Input) Verdict {
	if in.Tool == "" {
		return Verdict{Action: Allow}
	}
	if !in.AllowedTools[in.Tool] {
		return Verdict{
			Action: Block,
			Layer:  i.Name(),
			Reason: fmt.Sprintf("model requested tool %q outside the caller's reachable set", in.Tool),
		}
	}
	return Verdict{Action: Allow}
}
