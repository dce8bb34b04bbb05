package contract

import (
	"context"

	"studyroom-sync-be/internal/realtime"
	"studyroom-sync-be/internal/repository/specification"
)

// RoomMessageRepository is the durable message log. It satisfies
// realtime.MessageStore.
type RoomMessageRepository interface {
	realtime.MessageStore
	FindAll(ctx context.Context, specs ...specification.Specification) ([]realtime.Message, error)
	Count(ctx context.Context, specs ...specification.Specification) (int64, error)
}
