package permission

import (
	"context"
	"log"
	"sort"

	"starling/internal/domain"
)

// DefaultSafeTools is the base allow list applied to every safe-mode
// dispatch before role enrichment.
var DefaultSafeTools = []string{"web_search", "say_to_user", "remember", "register_peek"}

// RoleStore resolves the special roles assigned to a user on a channel.
type RoleStore interface {
	ListRolesForUser(ctx context.Context, channelType, userID string) ([]domain.SpecialRole, error)
}

// ToolLister reports the tool names currently registered, so grants for
// tools that do not exist are dropped instead of surfacing to the model.
type ToolLister interface {
	ToolNames() []string
}

type Resolver struct {
	roles    RoleStore
	tools    ToolLister
	safeMode bool
	base     []string
	logger   *log.Logger
}

func NewResolver(roles RoleStore, tools ToolLister, safeMode bool, base []string, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.Default()
	}
	if base == nil {
		base = DefaultSafeTools
	}
	return &Resolver{roles: roles, tools: tools, safeMode: safeMode, base: base, logger: logger}
}

// Resolve computes the effective tool config for one dispatch. Admin
// callers get the unrestricted set, as does every caller when safe mode
// is off for the deployment. Otherwise the allow list is the base set
// plus every grant from the user's roles; any skill grant also implies
// the use_skill tool. A role lookup failure degrades to the bare base
// set, it never widens access.
func (r *Resolver) Resolve(ctx context.Context, channelType, userID string, admin bool) domain.ToolConfig {
	if admin || !r.safeMode {
		return domain.ToolConfig{Unrestricted: true}
	}

	cfg := domain.ToolConfig{SafeMode: true}
	allowed := make(map[string]bool, len(r.base))
	for _, name := range r.base {
		allowed[name] = true
	}

	roles, err := r.roles.ListRolesForUser(ctx, channelType, userID)
	if err != nil {
		r.logger.Printf("permission: list roles for %s/%s: %v", channelType, userID, err)
		roles = nil
	}
	skills := make(map[string]bool)
	for _, role := range roles {
		cfg.RoleNames = append(cfg.RoleNames, role.Name)
		for _, tool := range role.AllowedTools {
			allowed[tool] = true
		}
		for _, skill := range role.AllowedSkills {
			skills[skill] = true
		}
	}
	if len(skills) > 0 {
		allowed["use_skill"] = true
		for skill := range skills {
			cfg.SkillNames = append(cfg.SkillNames, skill)
		}
		sort.Strings(cfg.SkillNames)
	}

	registered := make(map[string]bool)
	for _, name := range r.tools.ToolNames() {
		registered[name] = true
	}
	for name := range allowed {
		if !registered[name] {
			continue
		}
		cfg.AllowList = append(cfg.AllowList, name)
	}
	sort.Strings(cfg.AllowList)
	return cfg
}
