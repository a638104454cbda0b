// Package authz holds the declarative role to capability table.
package authz

import (
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Capability names an action on the seat API.
type Capability string

const (
	OrgsRead      Capability = "orgs.read"
	OrgsManage    Capability = "orgs.manage"
	OrgsCreate    Capability = "orgs.create"
	MembersManage Capability = "members.manage"
	MembersSelf   Capability = "members.self_join"
	PoolsRead     Capability = "pools.read"
	PoolsManage   Capability = "pools.manage"
	SeatsAssign   Capability = "seats.assign"
	EventsRead    Capability = "events.read"
	EventsExport  Capability = "events.export"
	wildcard      Capability = "*"
)

//go:embed roles.yaml
var defaultRoles []byte

type roleDef struct {
	Global       bool         `yaml:"global"`
	Capabilities []Capability `yaml:"capabilities"`
}

type document struct {
	Roles map[string]roleDef `yaml:"roles"`
}

type role struct {
	global bool
	caps   map[Capability]struct{}
}

// Policy maps roles to capabilities. It is immutable after loading.
type Policy struct {
	roles map[string]role
}

// Default returns the built-in policy.
func Default() *Policy {
	p, err := Parse(defaultRoles)
	if err != nil {
		panic(fmt.Sprintf("authz: embedded roles invalid: %v", err))
	}
	return p
}

// LoadFile reads a policy from a YAML file. An empty path yields Default().
func LoadFile(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open roles file: %w", err)
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read roles file: %w", err)
	}
	return Parse(b)
}

// Parse builds a policy from YAML.
func Parse(b []byte) (*Policy, error) {
	var doc document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse roles: %w", err)
	}
	if len(doc.Roles) == 0 {
		return nil, fmt.Errorf("parse roles: no roles defined")
	}
	p := &Policy{roles: make(map[string]role, len(doc.Roles))}
	for name, def := range doc.Roles {
		r := role{global: def.Global, caps: make(map[Capability]struct{}, len(def.Capabilities))}
		for _, c := range def.Capabilities {
			r.caps[c] = struct{}{}
		}
		p.roles[name] = r
	}
	return p, nil
}

// Allows reports whether role holds capability c.
func (p *Policy) Allows(roleName string, c Capability) bool {
	r, ok := p.roles[roleName]
	if !ok {
		return false
	}
	if _, ok := r.caps[wildcard]; ok {
		return true
	}
	_, ok = r.caps[c]
	return ok
}

// Global reports whether role may act across organizations.
func (p *Policy) Global(roleName string) bool {
	return p.roles[roleName].global
}
