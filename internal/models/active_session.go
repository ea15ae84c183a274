package models

import (
	"errors"
	"math"
	"time"
)

// NoThread is the thread_key value stored for a conversation outside any
// thread. It keeps the (user_id, thread_key) unique index total without
// colliding with thread 0. It is reserved and never a valid thread id.
const NoThread int64 = math.MinInt64

// ErrReservedThread is returned for a thread id equal to NoThread.
var ErrReservedThread = errors.New("thread id is reserved")

// CheckThread rejects the reserved thread id.
func CheckThread(threadID *int64) error {
	if threadID != nil && *threadID == NoThread {
		return ErrReservedThread
	}
	return nil
}

// ThreadKey maps an optional thread id onto its thread_key column value.
func ThreadKey(threadID *int64) int64 {
	if threadID == nil {
		return NoThread
	}
	return *threadID
}

// ActiveSession is the durable pointer from a (user, thread) pair to the
// protocol session it should resume after a host restart. Last write wins.
type ActiveSession struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	UserID            int64  `gorm:"not null;uniqueIndex:idx_active_user_thread"`
	ThreadID          *int64 // nil for the main conversation
	ThreadKey         int64  `gorm:"not null;uniqueIndex:idx_active_user_thread"`
	ProtocolSessionID string `gorm:"size:128;not null"`
	WorkingDirectory  string `gorm:"size:1024;not null"`
	UpdatedAt         time.Time
}
