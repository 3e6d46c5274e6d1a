package collab

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// live cursor cache. an entry expires `staleAfter` after its last update
// so a silent peer's cursor drops out even when no leave event arrives.
type presenceStore struct {
	staleAfter time.Duration
	cursors    *ttlcache.Cache[Id, *UserCursor]
}

func newPresenceStore(staleAfter time.Duration) *presenceStore {
	cursors := ttlcache.New[Id, *UserCursor](
		ttlcache.WithTTL[Id, *UserCursor](staleAfter),
		// reads must not keep a silent cursor alive
		ttlcache.WithDisableTouchOnHit[Id, *UserCursor](),
	)
	return &presenceStore{
		staleAfter: staleAfter,
		cursors:    cursors,
	}
}

// starts the expiry janitor. pair with exactly one `stop`.
func (self *presenceStore) start() {
	go self.cursors.Start()
}

func (self *presenceStore) stop() {
	self.cursors.Stop()
}

func (self *presenceStore) upsert(cursor *UserCursor) {
	self.cursors.Set(cursor.UserId, cursor, ttlcache.DefaultTTL)
}

func (self *presenceStore) remove(userId Id) {
	self.cursors.Delete(userId)
}

func (self *presenceStore) clear() {
	self.cursors.DeleteAll()
}

// drops expired entries now instead of waiting for the janitor tick
func (self *presenceStore) prune() {
	self.cursors.DeleteExpired()
}

func (self *presenceStore) cursor(userId Id) *UserCursor {
	item := self.cursors.Get(userId)
	if item == nil {
		return nil
	}
	return item.Value()
}

func (self *presenceStore) snapshot() map[Id]*UserCursor {
	cursors := map[Id]*UserCursor{}
	for userId, item := range self.cursors.Items() {
		cursors[userId] = item.Value()
	}
	return cursors
}

func (self *presenceStore) count() int {
	return len(self.cursors.Items())
}
