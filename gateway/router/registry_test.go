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

package router

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(DefaultTools(), DefaultRoleConfig())
	require.NoError(t, err)
	return r
}

func TestAuthorize(t *testing.T) {
	r := defaultRegistry(t)

	tests := []struct {
		name    string
		roles   []string
		tool    string
		wantErr error
	}{
		{"finance reader lists invoices", []string{"finance-read"}, "list_invoices", nil},
		{"finance reader cannot void invoices", []string{"finance-read"}, "void_invoice", ErrInsufficientPermissions},
		{"finance reader cannot reach hr", []string{"finance-read"}, "list_employees", ErrInsufficientPermissions},
		{"finance writer voids invoices", []string{"finance-write"}, "void_invoice", nil},
		{"executive reaches every domain", []string{"executive"}, "terminate_employee", nil},
		{"no roles denies everything", nil, "list_invoices", ErrInsufficientPermissions},
		{"unknown tool", []string{"executive"}, "drop_all_tables", ErrToolNotFound},
		{"one matching role among many suffices", []string{"sales-read", "support-write"}, "close_ticket", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Authorize(tt.roles, tt.tool)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestServersFor(t *testing.T) {
	r := defaultRegistry(t)

	assert.Equal(t, []string{"finance"}, r.ServersFor([]string{"finance-read"}))
	assert.Equal(t, []string{"finance", "hr"}, r.ServersFor([]string{"finance-read", "hr-write"}))
	assert.Equal(t, []string{"finance", "hr", "sales", "support"}, r.ServersFor([]string{"executive"}))
	assert.Empty(t, r.ServersFor([]string{"unknown-role"}))
	assert.Empty(t, r.ServersFor(nil))
}

func TestToolsForIsSortedAndScoped(t *testing.T) {
	r := defaultRegistry(t)

	tools := r.ToolsFor([]string{"hr-read"})
	require.Len(t, tools, 2)
	assert.Equal(t, "get_employee", tools[0].Name)
	assert.Equal(t, "list_employees", tools[1].Name)

	// Write roles add the destructive tool.
	tools = r.ToolsFor([]string{"hr-write"})
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"get_employee", "list_employees", "terminate_employee"}, names)
}

func TestNewRegistryValidation(t *testing.T) {
	roles := DefaultRoleConfig()

	_, err := NewRegistry([]ToolDescriptor{{Server: "hr", RequiredRoles: []string{"hr-read"}}}, roles)
	assert.Error(t, err, "missing name")

	_, err = NewRegistry([]ToolDescriptor{{Name: "x", RequiredRoles: []string{"hr-read"}}}, roles)
	assert.Error(t, err, "missing server")

	_, err = NewRegistry([]ToolDescriptor{{Name: "x", Server: "hr"}}, roles)
	assert.Error(t, err, "missing required roles")

	dup := []ToolDescriptor{
		{Name: "x", Server: "hr", RequiredRoles: []string{"hr-read"}},
		{Name: "x", Server: "finance", RequiredRoles: []string{"finance-read"}},
	}
	_, err = NewRegistry(dup, roles)
	assert.Error(t, err, "duplicate name")
}

func TestLoadRegistryFromYAML(t *testing.T) {
	const doc = `
roles:
  role_servers:
    billing-read: [billing]
tools:
  - name: list_charges
    server: billing
    description: List charges for an account.
    required_roles: [billing-read]
  - name: refund_charge
    server: billing
    description: Refund a charge.
    required_roles: [billing-admin]
    destructive: true
`
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	r, err := LoadRegistry(path)
	require.NoError(t, err)

	tool, err := r.Authorize([]string{"billing-read"}, "list_charges")
	require.NoError(t, err)
	assert.False(t, tool.Destructive)

	_, err = r.Authorize([]string{"billing-read"}, "refund_charge")
	assert.True(t, errors.Is(err, ErrInsufficientPermissions))

	tool, err = r.Tool("refund_charge")
	require.NoError(t, err)
	assert.True(t, tool.Destructive)
}

func TestLoadRegistryMissingFile(t *testing.T) {
	_, err := LoadRegistry(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
