package identity

import "github.com/procflow/procflow/types"

// RoleChecker answers whether an actor holds a role. The engine only
// needs this predicate; how roles are resolved (directory, database,
// static assignment) is up to the implementation.
type RoleChecker interface {
	HasRole(actor *types.Actor, role string) bool
}

// RoleCheckerFunc adapts a function to the RoleChecker interface.
type RoleCheckerFunc func(actor *types.Actor, role string) bool

func (f RoleCheckerFunc) HasRole(actor *types.Actor, role string) bool {
	return f(actor, role)
}

// StaticChecker resolves roles from the actor's own role list.
type StaticChecker struct{}

func (StaticChecker) HasRole(actor *types.Actor, role string) bool {
	if actor == nil {
		return false
	}
	for _, r := range actor.Roles {
		if r == role {
			return true
		}
	}
	return false
}
