package session

import "strconv"

// Key identifies one logical conversation: a user plus an optional thread.
// A non-threaded conversation (Threaded == false) is distinct from thread 0.
type Key struct {
	UserID   int64
	ThreadID int64
	Threaded bool
}

// NewKey builds a Key from an optional thread id.
func NewKey(userID int64, threadID *int64) Key {
	if threadID == nil {
		return Key{UserID: userID}
	}
	return Key{UserID: userID, ThreadID: *threadID, Threaded: true}
}

// Thread returns the thread id, or nil for a non-threaded conversation.
func (k Key) Thread() *int64 {
	if !k.Threaded {
		return nil
	}
	id := k.ThreadID
	return &id
}

func (k Key) String() string {
	if !k.Threaded {
		return strconv.FormatInt(k.UserID, 10) + ":main"
	}
	return strconv.FormatInt(k.UserID, 10) + ":" + strconv.FormatInt(k.ThreadID, 10)
}

// less orders keys by user, with the main conversation before threads.
func (k Key) less(o Key) bool {
	if k.UserID != o.UserID {
		return k.UserID < o.UserID
	}
	if k.Threaded != o.Threaded {
		return !k.Threaded
	}
	return k.ThreadID < o.ThreadID
}
