package latticesync

import "github.com/pkg/errors"

// ErrInterrupted is returned by any blocking Manager/RootView call whose
// context was cancelled before it could complete.
var ErrInterrupted = errors.New("latticesync: interrupted")

// ErrSyncFailed is returned by SyncFrom/SyncTo when the peer connection
// drained before the corresponding reply arrived.
var ErrSyncFailed = errors.New("latticesync: sync failed")

// ErrManagerGone is returned by any RootView call made after the owning
// Manager has been closed.
var ErrManagerGone = errors.New("latticesync: manager is gone")
