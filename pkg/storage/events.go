package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/pureboot/pureboot/pkg/types"
)

// Workflow mirror operations. The workflow registry owns the on-disk
// definitions; the store keeps a queryable copy refreshed on reload.

func (s *GORMStore) ReplaceWorkflows(ctx context.Context, workflows []*types.Workflow) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&types.Workflow{}).Error; err != nil {
			return err
		}
		for _, wf := range workflows {
			if err := tx.Create(wf).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GORMStore) GetWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	var wf types.Workflow
	err := s.db.WithContext(ctx).First(&wf, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *GORMStore) ListWorkflows(ctx context.Context) ([]*types.Workflow, error) {
	var workflows []*types.Workflow
	if err := s.db.WithContext(ctx).Order("id").Find(&workflows).Error; err != nil {
		return nil, err
	}
	return workflows, nil
}

// Disk report operations

func (s *GORMStore) PutDiskReport(ctx context.Context, report *types.DiskReport) error {
	return s.db.WithContext(ctx).Save(report).Error
}

func (s *GORMStore) GetDiskReport(ctx context.Context, nodeID string) (*types.DiskReport, error) {
	var report types.DiskReport
	err := s.db.WithContext(ctx).First(&report, "node_id = ?", nodeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// Node event operations. Append-only: there is no update or delete.

func (s *GORMStore) AppendEvent(ctx context.Context, event *types.NodeEvent) error {
	return s.db.WithContext(ctx).Create(event).Error
}

func (s *GORMStore) ListEventsByNode(ctx context.Context, nodeID string, limit int) ([]*types.NodeEvent, error) {
	q := s.db.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Order("timestamp desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var events []*types.NodeEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
