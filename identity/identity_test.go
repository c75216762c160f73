package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/procflow/procflow/types"
)

func TestStaticChecker(t *testing.T) {
	checker := StaticChecker{}
	actor := &types.Actor{Name: "alice", Roles: []string{"clerk", "manager"}}

	assert.True(t, checker.HasRole(actor, "manager"))
	assert.True(t, checker.HasRole(actor, "clerk"))
	assert.False(t, checker.HasRole(actor, "admin"))
	assert.False(t, checker.HasRole(&types.Actor{Name: "bob"}, "clerk"))
	assert.False(t, checker.HasRole(nil, "clerk"), "anonymous actors hold no roles")
}

func TestRoleCheckerFunc(t *testing.T) {
	everyone := RoleCheckerFunc(func(actor *types.Actor, role string) bool {
		return role == "public"
	})

	assert.True(t, everyone.HasRole(nil, "public"))
	assert.False(t, everyone.HasRole(&types.Actor{Name: "alice"}, "manager"))
}
