package collab

import (
	"golang.org/x/exp/maps"
)

type LockResultFunction func(lock *LockInfo, err error)

// server arbitrated resource locks. the map changes only on explicit
// grant and release confirmations, never optimistically, so it can
// disagree with the server for at most one round trip.
//
// callers hold the session lock.
type lockStore struct {
	locks map[string]*LockInfo
	// acquire callbacks waiting on the next grant or denial, by resource
	pending map[string][]LockResultFunction
}

func newLockStore() *lockStore {
	return &lockStore{
		locks:   map[string]*LockInfo{},
		pending: map[string][]LockResultFunction{},
	}
}

func (self *lockStore) await(resourceId string, callback LockResultFunction) {
	self.pending[resourceId] = append(self.pending[resourceId], callback)
}

// returns the resolved callbacks to fire after the session lock is released
func (self *lockStore) applyAcquired(lock *LockInfo, currentUserId Id) []func() {
	self.locks[lock.ResourceId] = lock
	if lock.OwnerId != currentUserId {
		// a denial for any of our pending acquires arrives separately
		return nil
	}
	return self.resolvePending(lock.ResourceId, lock, nil)
}

func (self *lockStore) applyDenied(resourceId string, ownerId Id) []func() {
	err := &LockDeniedError{
		ResourceId: resourceId,
		OwnerId:    ownerId,
	}
	return self.resolvePending(resourceId, nil, err)
}

func (self *lockStore) applyReleased(resourceId string, ownerId Id) {
	if lock, ok := self.locks[resourceId]; ok && lock.OwnerId == ownerId {
		delete(self.locks, resourceId)
	}
}

// replaces the map with the server's authoritative view on (re)join
func (self *lockStore) reset(locks []*LockInfo) {
	self.locks = map[string]*LockInfo{}
	for _, lock := range locks {
		self.locks[lock.ResourceId] = lock
	}
}

// fails every outstanding acquire. used when the transport drops,
// since a grant sent on the dead socket can never arrive.
func (self *lockStore) failAllPending(err error) []func() {
	notify := []func(){}
	for resourceId, callbacks := range self.pending {
		for _, callback := range callbacks {
			callback := callback
			notify = append(notify, func() {
				callback(nil, err)
			})
		}
		delete(self.pending, resourceId)
	}
	return notify
}

func (self *lockStore) resolvePending(resourceId string, lock *LockInfo, err error) []func() {
	callbacks := self.pending[resourceId]
	if len(callbacks) == 0 {
		return nil
	}
	delete(self.pending, resourceId)
	notify := []func(){}
	for _, callback := range callbacks {
		callback := callback
		notify = append(notify, func() {
			callback(lock, err)
		})
	}
	return notify
}

func (self *lockStore) lock(resourceId string) *LockInfo {
	return self.locks[resourceId]
}

func (self *lockStore) heldBy(resourceId string, userId Id) bool {
	lock, ok := self.locks[resourceId]
	return ok && lock.OwnerId == userId
}

func (self *lockStore) snapshot() map[string]*LockInfo {
	return maps.Clone(self.locks)
}
