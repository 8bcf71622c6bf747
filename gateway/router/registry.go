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

// Package router maps a caller's verified role set to the backend tool
// servers and individual tools it may invoke. Authorization is
// re-evaluated on every tool invocation, including ones issued
// mid-conversation by the model.
package router

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Typed authorization failures.
var (
	ErrToolNotFound            = errors.New("tool not found")
	ErrInsufficientPermissions = errors.New("insufficient permissions")
)

// ExecutiveRole grants access to every backend server regardless of the
// role→server table.
const ExecutiveRole = "executive"

// ToolDescriptor is a static registry entry for one backend tool.
// Loaded at process start, read-only thereafter.
type ToolDescriptor struct {
	Name          string                 `yaml:"name" json:"name"`
	Server        string                 `yaml:"server" json:"server"`
	Description   string                 `yaml:"description" json:"description"`
	RequiredRoles []string               `yaml:"required_roles" json:"required_roles"`
	Destructive   bool                   `yaml:"destructive" json:"destructive"`
	InputSchema   map[string]interface{} `yaml:"input_schema" json:"input_schema,omitempty"`
}

// RoleConfig is the injected role→server mapping. It is a plain value,
// never process-wide mutable state, so per-environment overrides and
// tests need no globals.
type RoleConfig struct {
	// RoleServers maps a role to the backend servers it reaches.
	RoleServers map[string][]string `yaml:"role_servers"`
}

// registryFile is the on-disk YAML layout.
type registryFile struct {
	Roles RoleConfig       `yaml:"roles"`
	Tools []ToolDescriptor `yaml:"tools"`
}

// Registry resolves tools and authorizes invocations. Immutable after
// construction; safe for concurrent use.
type Registry struct {
	tools map[string]ToolDescriptor
	roles RoleConfig
}

// NewRegistry builds a registry from descriptors and a role config.
func NewRegistry(tools []ToolDescriptor, roles RoleConfig) (*Registry, error) {
	byName := make(map[string]ToolDescriptor, len(tools))
	for _, tool := range tools {
		if tool.Name == "" {
			return nil, fmt.Errorf("tool descriptor missing name")
		}
		if tool.Server == "" {
			return nil, fmt.Errorf("tool %q missing server", tool.Name)
		}
		if len(tool.RequiredRoles) == 0 {
			return nil, fmt.Errorf("tool %q has no required roles", tool.Name)
		}
		if _, dup := byName[tool.Name]; dup {
			return nil, fmt.Errorf("duplicate tool name %q", tool.Name)
		}
		byName[tool.Name] = tool
	}
	return &Registry{tools: byName, roles: roles}, nil
}

// LoadRegistry reads a YAML registry file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool registry: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tool registry: %w", err)
	}
	return NewRegistry(file.Tools, file.Roles)
}

// Tool returns the descriptor for the named tool.
func (r *Registry) Tool(name string) (ToolDescriptor, error) {
	tool, ok := r.tools[name]
	if !ok {
		return ToolDescriptor{}, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
	return tool, nil
}

// Authorize checks whether a caller holding the given roles may invoke
// the named tool. Any-of semantics: the intersection of the tool's
// required roles and the caller's roles must be non-empty.
func (r *Registry) Authorize(roles []string, toolName string) (ToolDescriptor, error) {
	tool, err := r.Tool(toolName)
	if err != nil {
		return ToolDescriptor{}, err
	}
	held := make(map[string]bool, len(roles))
	for _, role := range roles {
		held[role] = true
	}
	for _, required := range tool.RequiredRoles {
		if held[required] {
			return tool, nil
		}
	}
	return ToolDescriptor{}, fmt.Errorf("%w: tool %q requires one of %v", ErrInsufficientPermissions, toolName, tool.RequiredRoles)
}

// ServersFor unions the role→server mapping over every role held. The
// executive role reaches all servers.
func (r *Registry) ServersFor(roles []string) []string {
	seen := make(map[string]bool)
	for _, role := range roles {
		if role == ExecutiveRole {
			for _, tool := range r.tools {
				seen[tool.Server] = true
			}
			continue
		}
		for _, server := range r.roles.RoleServers[role] {
			seen[server] = true
		}
	}
	servers := make([]string, 0, len(seen))
	for server := range seen {
		servers = append(servers, server)
	}
	sort.Strings(servers)
	return servers
}

// ToolsFor returns the descriptors the caller may invoke, sorted by
// name. This is the tool schema set offered to the model.
func (r *Registry) ToolsFor(roles []string) []ToolDescriptor {
	var tools []ToolDescriptor
	for name := range r.tools {
		if tool, err := r.Authorize(roles, name); err == nil {
			tools = append(tools, tool)
		}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Servers returns every distinct backend server in the registry, sorted.
func (r *Registry) Servers() []string {
	seen := make(map[string]bool)
	for _, tool := range r.tools {
		seen[tool.Server] = true
	}
	servers := make([]string, 0, len(seen))
	for server := range seen {
		servers = append(servers, server)
	}
	sort.Strings(servers)
	return servers
}

// DefaultRoleConfig returns the built-in role→server table for the four
// enterprise domains.
func DefaultRoleConfig() RoleConfig {
	return RoleConfig{
		RoleServers: map[string][]string{
			"hr-read":       {"hr"},
			"hr-write":      {"hr"},
			"finance-read":  {"finance"},
			"finance-write": {"finance"},
			"sales-read":    {"sales"},
			"sales-write":   {"sales"},
			"support-read":  {"support"},
			"support-write": {"support"},
		},
	}
}

// DefaultTools returns the built-in tool registry used when no YAML
// file is configured. Mirrors the four domain servers.
func DefaultTools() []ToolDescriptor {
	return []ToolDescriptor{
		{
			Name:          "list_employees",
			Server:        "hr",
			Description:   "List employees, optionally filtered by department.",
			RequiredRoles: []string{"hr-read", "hr-write", ExecutiveRole},
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"department": map[string]interface{}{"type": "string"},
				},
			},
		},
		{
			Name:          "get_employee",
			Server:        "hr",
			Description:   "Fetch one employee record by id.",
			RequiredRoles: []string{"hr-read", "hr-write", ExecutiveRole},
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"id": map[string]interface{}{"type": "string"}},
				"required":   []interface{}{"id"},
			},
		},
		{
			Name:          "terminate_employee",
			Server:        "hr",
			Description:   "Terminate an employee record. Requires explicit confirmation.",
			RequiredRoles: []string{"hr-write", ExecutiveRole},
			Destructive:   true,
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"id": map[string]interface{}{"type": "string"}},
				"required":   []interface{}{"id"},
			},
		},
		{
			Name:          "list_invoices",
			Server:        "finance",
			Description:   "List invoices, optionally filtered by status.",
			RequiredRoles: []string{"finance-read", "finance-write", ExecutiveRole},
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"status": map[string]interface{}{"type": "string"},
				},
			},
		},
		{
			Name:          "void_invoice",
			Server:        "finance",
			Description:   "Void an invoice. Requires explicit confirmation.",
			RequiredRoles: []string{"finance-write", ExecutiveRole},
			Destructive:   true,
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"id": map[string]interface{}{"type": "string"}},
				"required":   []interface{}{"id"},
			},
		},
		{
			Name:          "list_opportunities",
			Server:        "sales",
			Description:   "List sales opportunities in the pipeline.",
			RequiredRoles: []string{"sales-read", "sales-write", ExecutiveRole},
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"stage": map[string]interface{}{"type": "string"},
				},
			},
		},
		{
			Name:          "search_tickets",
			Server:        "support",
			Description:   "Search support tickets by keyword.",
			RequiredRoles: []string{"support-read", "support-write", ExecutiveRole},
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"query": map[string]interface{}{"type": "string"}},
				"required":   []interface{}{"query"},
			},
		},
		{
			Name:          "close_ticket",
			Server:        "support",
			Description:   "Close a support ticket. Requires explicit confirmation.",
			RequiredRoles: []string{"support-write", ExecutiveRole},
			Destructive:   true,
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"id": map[string]interface{}{"type": "string"}},
				"required":   []interface{}{"id"},
			},
		},
	}
}
