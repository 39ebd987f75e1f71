package station

import "sync"

// userSlot records where a user's active request currently lives: in the
// waiting area when PileID is empty, otherwise on that pile.
type userSlot struct {
	RequestID string
	PileID    string
}

// userIndex maps each user to their single non-terminal request. It has
// its own mutex and is always the innermost lock: it is taken while
// holding waiting-area or pile locks, never the other way round.
type userIndex struct {
	mu     sync.RWMutex
	active map[string]userSlot
}

func newUserIndex() *userIndex {
	return &userIndex{active: make(map[string]userSlot)}
}

// claim registers requestID as the user's active request. It fails when
// the user already has one, enforcing the one-active-request rule.
func (u *userIndex) claim(userID, requestID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.active[userID]; ok {
		return false
	}
	u.active[userID] = userSlot{RequestID: requestID}
	return true
}

// moveToPile records that the user's request now occupies a slot on
// pileID.
func (u *userIndex) moveToPile(userID, requestID, pileID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if slot, ok := u.active[userID]; ok && slot.RequestID == requestID {
		u.active[userID] = userSlot{RequestID: requestID, PileID: pileID}
	}
}

// moveToWaitingArea records that the user's request is back in the
// waiting area.
func (u *userIndex) moveToWaitingArea(userID, requestID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if slot, ok := u.active[userID]; ok && slot.RequestID == requestID {
		u.active[userID] = userSlot{RequestID: requestID}
	}
}

// release drops the mapping if it still points at requestID.
func (u *userIndex) release(userID, requestID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if slot, ok := u.active[userID]; ok && slot.RequestID == requestID {
		delete(u.active, userID)
	}
}

// slot returns the user's active slot.
func (u *userIndex) slot(userID string) (userSlot, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	slot, ok := u.active[userID]
	return slot, ok
}
