package implementation

import (
	"context"
	"fmt"

	"studyroom-sync-be/internal/mapper"
	"studyroom-sync-be/internal/model"
	"studyroom-sync-be/internal/realtime"
	"studyroom-sync-be/internal/repository/contract"
	"studyroom-sync-be/internal/repository/specification"

	"gorm.io/gorm"
)

type RoomMessageRepositoryImpl struct {
	db     *gorm.DB
	mapper *mapper.RoomMessageMapper
}

func NewRoomMessageRepository(db *gorm.DB) contract.RoomMessageRepository {
	return &RoomMessageRepositoryImpl{
		db:     db,
		mapper: mapper.NewRoomMessageMapper(),
	}
}

func (r *RoomMessageRepositoryImpl) applySpecifications(db *gorm.DB, specs ...specification.Specification) *gorm.DB {
	for _, spec := range specs {
		db = spec.Apply(db)
	}
	return db
}

func (r *RoomMessageRepositoryImpl) SaveMessage(ctx context.Context, msg realtime.Message) error {
	m := r.mapper.ToModel(msg)
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("insert room message %s/%d: %w", msg.SessionID, msg.ID, err)
	}
	return nil
}

func (r *RoomMessageRepositoryImpl) LoadRecentMessages(ctx context.Context, sessionID string, limit int) ([]realtime.Message, error) {
	msgs, err := r.FindAll(ctx,
		specification.BySessionID{SessionID: sessionID},
		specification.OrderByMessageID{Desc: true},
		specification.Limit{N: limit},
	)
	if err != nil {
		return nil, err
	}
	// Newest first from the query, oldest first for the caller.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (r *RoomMessageRepositoryImpl) LoadMessagesAfter(ctx context.Context, sessionID string, afterID int64, limit int) ([]realtime.Message, error) {
	return r.FindAll(ctx,
		specification.BySessionID{SessionID: sessionID},
		specification.AfterMessageID{MessageID: afterID},
		specification.OrderByMessageID{},
		specification.Limit{N: limit},
	)
}

func (r *RoomMessageRepositoryImpl) FindAll(ctx context.Context, specs ...specification.Specification) ([]realtime.Message, error) {
	var rows []*model.RoomMessage
	query := r.applySpecifications(r.db.WithContext(ctx), specs...)
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return r.mapper.ToMessages(rows), nil
}

func (r *RoomMessageRepositoryImpl) Count(ctx context.Context, specs ...specification.Specification) (int64, error) {
	var count int64
	query := r.applySpecifications(r.db.WithContext(ctx).Model(&model.RoomMessage{}), specs...)
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
