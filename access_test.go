package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestRoleOrder(t *testing.T) {
	assert.Equal(t, RoleViewer.Valid(), true)
	assert.Equal(t, RoleEditor.Valid(), true)
	assert.Equal(t, RoleOwner.Valid(), true)
	assert.Equal(t, Role("janitor").Valid(), false)
	assert.Equal(t, Role("").Valid(), false)

	assert.Equal(t, RoleOwner.AtLeast(RoleViewer), true)
	assert.Equal(t, RoleOwner.AtLeast(RoleEditor), true)
	assert.Equal(t, RoleOwner.AtLeast(RoleOwner), true)
	assert.Equal(t, RoleEditor.AtLeast(RoleOwner), false)
	assert.Equal(t, RoleViewer.AtLeast(RoleEditor), false)
	assert.Equal(t, RoleViewer.AtLeast(RoleViewer), true)

	// unknown roles never clear any bar
	assert.Equal(t, Role("janitor").AtLeast(RoleViewer), false)
	assert.Equal(t, RoleOwner.AtLeast(Role("janitor")), false)
}

func TestNormalizeRole(t *testing.T) {
	assert.Equal(t, NormalizeRole(RoleOwner), RoleOwner)
	assert.Equal(t, NormalizeRole(RoleEditor), RoleEditor)
	assert.Equal(t, NormalizeRole(RoleViewer), RoleViewer)
	assert.Equal(t, NormalizeRole(Role("janitor")), RoleViewer)
	assert.Equal(t, NormalizeRole(Role("")), RoleViewer)
}

func TestCan(t *testing.T) {
	// viewers observe, comment and chat
	assert.Equal(t, Can(RoleViewer, ActionComment), true)
	assert.Equal(t, Can(RoleViewer, ActionChat), true)
	assert.Equal(t, Can(RoleViewer, ActionReact), true)
	assert.Equal(t, Can(RoleViewer, ActionEditContent), false)
	assert.Equal(t, Can(RoleViewer, ActionLock), false)
	assert.Equal(t, Can(RoleViewer, ActionManageRoles), false)
	assert.Equal(t, Can(RoleViewer, ActionKick), false)

	// editors edit and lock
	assert.Equal(t, Can(RoleEditor, ActionEditContent), true)
	assert.Equal(t, Can(RoleEditor, ActionLock), true)
	assert.Equal(t, Can(RoleEditor, ActionManageRoles), false)
	assert.Equal(t, Can(RoleEditor, ActionKick), false)

	// owners do everything
	assert.Equal(t, Can(RoleOwner, ActionEditContent), true)
	assert.Equal(t, Can(RoleOwner, ActionLock), true)
	assert.Equal(t, Can(RoleOwner, ActionManageRoles), true)
	assert.Equal(t, Can(RoleOwner, ActionKick), true)

	assert.Equal(t, Can(Role("janitor"), ActionChat), false)
}

func TestAccessStoreBlock(t *testing.T) {
	store := newAccessStore()

	assert.Equal(t, store.currentRole(), RoleViewer)
	store.setRole(RoleEditor)
	assert.Equal(t, store.currentRole(), RoleEditor)

	userA := NewId()
	userB := NewId()

	assert.Equal(t, store.isBlocked(userA), false)
	store.block(userA)
	assert.Equal(t, store.isBlocked(userA), true)
	assert.Equal(t, store.isBlocked(userB), false)
	assert.Equal(t, len(store.blockedUserIds()), 1)
	assert.Equal(t, store.blockedUserIds()[0], userA)

	// blocking twice holds one entry
	store.block(userA)
	assert.Equal(t, len(store.blockedUserIds()), 1)

	store.unblock(userA)
	assert.Equal(t, store.isBlocked(userA), false)
	assert.Equal(t, len(store.blockedUserIds()), 0)

	// unblocking an unknown user is a no-op
	store.unblock(userB)
	assert.Equal(t, store.isBlocked(userB), false)
}
