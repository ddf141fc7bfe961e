package permission

import (
	"sort"

	"starling/internal/domain"
)

// CapabilityMap maps a sub-agent task's domain label to the tool names a
// child agent spawned for that domain may use. The parent config caps the
// result; a label without an entry inherits the parent config unchanged.
type CapabilityMap map[string][]string

func (m CapabilityMap) ResolveCapabilities(domainLabel string, parent domain.ToolConfig) domain.ToolConfig {
	names, ok := m[domainLabel]
	if !ok {
		return parent
	}
	allowed := make([]string, 0, len(names))
	for _, name := range names {
		if parent.Allows(name) {
			allowed = append(allowed, name)
		}
	}
	sort.Strings(allowed)
	return domain.ToolConfig{
		AllowList:  allowed,
		SkillNames: parent.SkillNames,
		SafeMode:   parent.SafeMode,
		RoleNames:  parent.RoleNames,
	}
}
