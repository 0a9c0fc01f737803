// persistence/interface.go
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/wfunc/roomsync/models"
)

// Store holds exactly one canonical document per room.
//
// Read never fails for an unknown room; it returns a snapshot with
// Exists=false. Replace is an unconditional overwrite (last write wins) and
// creates the room on first write. Every write stamps a version taken from a
// store-wide increasing sequence, so versions never go backwards for a room
// even across eviction and recreation.
type Store interface {
	Read(ctx context.Context, key models.RoomKey) (*models.Snapshot, error)
	Replace(ctx context.Context, key models.RoomKey, doc models.Document) (*models.Snapshot, error)
	// Update runs fn against the current snapshot with the room locked and
	// writes what it returns. A nil document with a nil error writes nothing.
	Update(ctx context.Context, key models.RoomKey, fn UpdateFunc) (*models.Snapshot, error)
	Close() error
}

// UpdateFunc computes the next document from the current snapshot.
type UpdateFunc func(current *models.Snapshot) (models.Document, error)

// Sweeper is implemented by stores that can drop idle rooms.
type Sweeper interface {
	Sweep(ctx context.Context, idleSince time.Time) (int, error)
}

// Sizer is implemented by stores that can cheaply count rooms.
type Sizer interface {
	Len() int
}

// 错误定义
var (
	ErrStoreClosed     = errors.New("store closed")
	ErrVersionConflict = errors.New("version conflict")
)
