package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/pureboot/pureboot/pkg/types"
)

// Partition operation persistence. Sequence numbers are assigned here,
// inside a transaction, so concurrent enqueues for the same node never
// collide.

func (s *GORMStore) CreateOperation(ctx context.Context, op *types.PartitionOperation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		err := tx.Model(&types.PartitionOperation{}).
			Where("node_id = ?", op.NodeID).
			Select("coalesce(max(seq), 0)").
			Scan(&maxSeq).Error
		if err != nil {
			return err
		}
		op.Seq = maxSeq + 1
		return tx.Create(op).Error
	})
}

func (s *GORMStore) GetOperation(ctx context.Context, id string) (*types.PartitionOperation, error) {
	var op types.PartitionOperation
	err := s.db.WithContext(ctx).First(&op, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (s *GORMStore) ListOperationsByNode(ctx context.Context, nodeID string, status types.OpStatus) ([]*types.PartitionOperation, error) {
	q := s.db.WithContext(ctx).Where("node_id = ?", nodeID).Order("seq")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var ops []*types.PartitionOperation
	if err := q.Find(&ops).Error; err != nil {
		return nil, err
	}
	return ops, nil
}

func (s *GORMStore) UpdateOperation(ctx context.Context, op *types.PartitionOperation) error {
	res := s.db.WithContext(ctx).Save(op)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOperationNotFound
	}
	return nil
}

// ListStaleInProgress returns operations claimed by an agent that went
// quiet before reporting a terminal status.
func (s *GORMStore) ListStaleInProgress(ctx context.Context, olderThan time.Time) ([]*types.PartitionOperation, error) {
	var ops []*types.PartitionOperation
	err := s.db.WithContext(ctx).
		Where("status = ?", types.OpInProgress).
		Where("started_at < ?", olderThan).
		Find(&ops).Error
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// PurgeTerminalOperations deletes completed and failed operations whose
// retention window has elapsed. Returns the number removed.
func (s *GORMStore) PurgeTerminalOperations(ctx context.Context, finishedBefore time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status IN ?", []types.OpStatus{types.OpCompleted, types.OpFailed}).
		Where("finished_at < ?", finishedBefore).
		Delete(&types.PartitionOperation{})
	return res.RowsAffected, res.Error
}
