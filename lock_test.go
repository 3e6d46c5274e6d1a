package collab

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLockGrant(t *testing.T) {
	store := newLockStore()

	me := NewId()
	other := NewId()

	var grantedLock *LockInfo
	var grantedErr error
	store.await("step-1", func(lock *LockInfo, err error) {
		grantedLock = lock
		grantedErr = err
	})

	// a grant for another user settles the map but not our acquire
	otherLock := &LockInfo{
		ResourceId:  "step-2",
		OwnerId:     other,
		AcquireTime: time.Now(),
	}
	notify := store.applyAcquired(otherLock, me)
	assert.Equal(t, len(notify), 0)
	assert.Equal(t, store.lock("step-2"), otherLock)
	assert.Equal(t, grantedLock, nil)

	// our own grant resolves the pending acquire
	myLock := &LockInfo{
		ResourceId:  "step-1",
		OwnerId:     me,
		AcquireTime: time.Now(),
	}
	notify = store.applyAcquired(myLock, me)
	assert.Equal(t, len(notify), 1)
	for _, callback := range notify {
		callback()
	}
	assert.Equal(t, grantedLock, myLock)
	assert.Equal(t, grantedErr, nil)
	assert.Equal(t, store.heldBy("step-1", me), true)
	assert.Equal(t, store.heldBy("step-1", other), false)
	assert.Equal(t, len(store.snapshot()), 2)
}

func TestLockDenied(t *testing.T) {
	store := newLockStore()

	other := NewId()

	var deniedLock *LockInfo
	var deniedErr error
	store.await("step-1", func(lock *LockInfo, err error) {
		deniedLock = lock
		deniedErr = err
	})

	notify := store.applyDenied("step-1", other)
	assert.Equal(t, len(notify), 1)
	for _, callback := range notify {
		callback()
	}
	assert.Equal(t, deniedLock, nil)

	var lockDeniedErr *LockDeniedError
	assert.Equal(t, errors.As(deniedErr, &lockDeniedErr), true)
	assert.Equal(t, lockDeniedErr.ResourceId, "step-1")
	assert.Equal(t, lockDeniedErr.OwnerId, other)

	// a denial with nothing pending notifies no one
	notify = store.applyDenied("step-1", other)
	assert.Equal(t, len(notify), 0)
}

func TestLockReleased(t *testing.T) {
	store := newLockStore()

	me := NewId()
	other := NewId()

	myLock := &LockInfo{ResourceId: "step-1", OwnerId: me}
	store.applyAcquired(myLock, me)
	assert.Equal(t, store.heldBy("step-1", me), true)

	// a release from a non-owner does not clear the lock
	store.applyReleased("step-1", other)
	assert.Equal(t, store.heldBy("step-1", me), true)

	store.applyReleased("step-1", me)
	assert.Equal(t, store.lock("step-1"), nil)
	assert.Equal(t, store.heldBy("step-1", me), false)

	// releasing an unheld resource is a no-op
	store.applyReleased("step-9", me)
}

func TestLockReset(t *testing.T) {
	store := newLockStore()

	me := NewId()
	other := NewId()

	store.applyAcquired(&LockInfo{ResourceId: "step-1", OwnerId: me}, me)
	store.applyAcquired(&LockInfo{ResourceId: "step-2", OwnerId: other}, me)
	assert.Equal(t, len(store.snapshot()), 2)

	// rejoin replaces the map with the server view
	store.reset([]*LockInfo{
		{ResourceId: "step-3", OwnerId: other},
	})
	assert.Equal(t, len(store.snapshot()), 1)
	assert.Equal(t, store.lock("step-1"), nil)
	assert.NotEqual(t, store.lock("step-3"), nil)
}

func TestLockFailAllPending(t *testing.T) {
	store := newLockStore()

	results := []error{}
	store.await("step-1", func(lock *LockInfo, err error) {
		results = append(results, err)
	})
	store.await("step-1", func(lock *LockInfo, err error) {
		results = append(results, err)
	})
	store.await("step-2", func(lock *LockInfo, err error) {
		results = append(results, err)
	})

	dropErr := errors.New("transport dropped")
	notify := store.failAllPending(dropErr)
	assert.Equal(t, len(notify), 3)
	for _, callback := range notify {
		callback()
	}
	assert.Equal(t, len(results), 3)
	for _, err := range results {
		assert.Equal(t, err, dropErr)
	}

	// nothing left pending
	assert.Equal(t, len(store.failAllPending(dropErr)), 0)
}
