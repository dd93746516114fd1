package config

import (
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
	"gopkg.in/yaml.v3"
)

// AgentRule is the static, read-only description of one agent-callback
// pattern. The router consults it to classify
// a call as an agent register/unregister; the registry consults it to
// compute surrogate paths and build the surrogate's interface descriptor.
type AgentRule struct {
	// SourceBusName is the well-known name of the service that owns the
	// manager object (e.g. "org.freedesktop.NetworkManager").
	SourceBusName string `yaml:"source_bus_name"`
	// ManagerPath is the object path clients call Register*/Unregister*
	// on (e.g. "/org/freedesktop/NetworkManager/AgentManager").
	ManagerPath dbus.ObjectPath `yaml:"manager_path"`
	// ManagerInterface is the interface Register*/Unregister* live on.
	ManagerInterface string `yaml:"manager_interface"`
	// RegisterMethod is the method name that hands the client's object
	// path to the service (e.g. "Register" or "RegisterWithCapabilities").
	RegisterMethod string `yaml:"register_method"`
	// UnregisterMethod is the mirror method (e.g. "Unregister").
	UnregisterMethod string `yaml:"unregister_method"`
	// PathCustomizable is true when the register call's first argument is
	// a client-supplied object path; false when the client object path is
	// fixed (ClientObjectPath).
	PathCustomizable bool `yaml:"path_customizable"`
	// ClientObjectPath is the object path the client exports the agent on
	// (fixed) or the base path the client supplies (customizable).
	ClientObjectPath dbus.ObjectPath `yaml:"client_object_path"`
	// ClientInterface is the interface the service calls back into on the
	// client (e.g. "org.freedesktop.NetworkManager.SecretAgent").
	ClientInterface string `yaml:"client_interface"`
	// ClientMethods lists the methods the service may invoke on the
	// client's agent object, each given with its D-Bus signature so the
	// router can build a generic vtable entry without knowing the method
	// at compile time.
	ClientMethods []AgentMethod `yaml:"client_methods"`
}

// AgentMethod describes one method on an agent's client-side interface.
type AgentMethod struct {
	Name   string `yaml:"name"`
	InSig  string `yaml:"in_signature"`
	OutSig string `yaml:"out_signature"`
}

// Validate checks an AgentRule for the fields the registry and router
// depend on.
func (r AgentRule) Validate() error {
	if r.SourceBusName == "" {
		return fmt.Errorf("source_bus_name is required")
	}
	if r.ManagerPath == "" {
		return fmt.Errorf("manager_path is required")
	}
	if !r.ManagerPath.IsValid() {
		return fmt.Errorf("manager_path: %w", fmt.Errorf("invalid object path %q", r.ManagerPath))
	}
	if r.ManagerInterface == "" {
		return fmt.Errorf("manager_interface is required")
	}
	if r.RegisterMethod == "" {
		return fmt.Errorf("register_method is required")
	}
	if r.UnregisterMethod == "" {
		return fmt.Errorf("unregister_method is required")
	}
	if r.ClientObjectPath == "" {
		return fmt.Errorf("client_object_path is required")
	}
	if r.ClientInterface == "" {
		return fmt.Errorf("client_interface is required")
	}
	if len(r.ClientMethods) == 0 {
		return fmt.Errorf("client_methods must list at least one method")
	}
	return nil
}

// Matches reports whether this rule governs calls to sourceBusName's
// manager interface for the named method.
func (r AgentRule) Matches(sourceBusName, iface, method string) bool {
	return r.SourceBusName == sourceBusName && r.ManagerInterface == iface &&
		(method == r.RegisterMethod || method == r.UnregisterMethod)
}

// IsRegister reports whether method is this rule's register method.
func (r AgentRule) IsRegister(method string) bool { return method == r.RegisterMethod }

// IsUnregister reports whether method is this rule's unregister method.
func (r AgentRule) IsUnregister(method string) bool { return method == r.UnregisterMethod }

// networkManagerSecretAgentRule describes the canonical agent pattern:
// NetworkManager's SecretAgent.
func networkManagerSecretAgentRule() AgentRule {
	return AgentRule{
		SourceBusName:    "org.freedesktop.NetworkManager",
		ManagerPath:      "/org/freedesktop/NetworkManager/AgentManager",
		ManagerInterface: "org.freedesktop.NetworkManager.AgentManager",
		RegisterMethod:   "Register",
		UnregisterMethod: "Unregister",
		PathCustomizable: false,
		ClientObjectPath: "/org/freedesktop/NetworkManager/SecretAgent",
		ClientInterface:  "org.freedesktop.NetworkManager.SecretAgent",
		ClientMethods: []AgentMethod{
			{Name: "GetSecrets", InSig: "a{sa{sv}}osasu", OutSig: "a{sa{sv}}"},
			{Name: "CancelGetSecrets", InSig: "os", OutSig: ""},
			{Name: "SaveSecrets", InSig: "a{sa{sv}}o", OutSig: ""},
			{Name: "DeleteSecrets", InSig: "a{sa{sv}}o", OutSig: ""},
		},
	}
}

// DefaultAgentRules returns the ruleset the proxy ships with, so it works
// against the NetworkManager SecretAgent pattern out of the box.
func DefaultAgentRules() []AgentRule {
	return []AgentRule{networkManagerSecretAgentRule()}
}

// agentRulesFile is the on-disk shape of an agent rules YAML file.
type agentRulesFile struct {
	Rules []AgentRule `yaml:"rules"`
}

// LoadAgentRules reads a YAML file of AgentRule entries.
func LoadAgentRules(path string) ([]AgentRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f agentRulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing agent rules %s: %w", path, err)
	}
	for i, r := range f.Rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule[%d]: %w", i, err)
		}
	}
	return f.Rules, nil
}
