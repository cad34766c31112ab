package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/pureboot/pureboot/pkg/types"
)

// Node operations

func (s *GORMStore) CreateNode(ctx context.Context, node *types.Node) error {
	err := s.db.WithContext(ctx).Create(node).Error
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateMAC
	}
	return err
}

func (s *GORMStore) GetNode(ctx context.Context, id string) (*types.Node, error) {
	var node types.Node
	err := s.db.WithContext(ctx).First(&node, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *GORMStore) GetNodeByMAC(ctx context.Context, mac string) (*types.Node, error) {
	var node types.Node
	err := s.db.WithContext(ctx).First(&node, "mac = ?", mac).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *GORMStore) GetNodeByPiSerial(ctx context.Context, serial string) (*types.Node, error) {
	var node types.Node
	err := s.db.WithContext(ctx).First(&node, "pi_serial = ?", serial).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *GORMStore) ListNodes(ctx context.Context) ([]*types.Node, error) {
	var nodes []*types.Node
	if err := s.db.WithContext(ctx).Order("discovered_at").Find(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}

func (s *GORMStore) UpdateNode(ctx context.Context, node *types.Node) error {
	res := s.db.WithContext(ctx).Save(node)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

func (s *GORMStore) DeleteNode(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&types.Node{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

func (s *GORMStore) NodeStats(ctx context.Context) (*types.NodeStats, error) {
	stats := &types.NodeStats{ByState: make(map[string]int64)}

	if err := s.db.WithContext(ctx).Model(&types.Node{}).Count(&stats.Total).Error; err != nil {
		return nil, err
	}

	type stateCount struct {
		State string
		Count int64
	}
	var counts []stateCount
	err := s.db.WithContext(ctx).Model(&types.Node{}).
		Select("state, count(*) as count").
		Group("state").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	for _, c := range counts {
		stats.ByState[c.State] = c.Count
	}
	stats.InstallingCount = stats.ByState[string(types.StateInstalling)]

	cutoff := time.Now().Add(-time.Hour)
	err = s.db.WithContext(ctx).Model(&types.Node{}).
		Where("discovered_at > ?", cutoff).
		Count(&stats.DiscoveredLastHour).Error
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// Device group operations

func (s *GORMStore) CreateGroup(ctx context.Context, group *types.DeviceGroup) error {
	return s.db.WithContext(ctx).Create(group).Error
}

func (s *GORMStore) GetGroup(ctx context.Context, id string) (*types.DeviceGroup, error) {
	var group types.DeviceGroup
	err := s.db.WithContext(ctx).First(&group, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *GORMStore) ListGroups(ctx context.Context) ([]*types.DeviceGroup, error) {
	var groups []*types.DeviceGroup
	if err := s.db.WithContext(ctx).Order("name").Find(&groups).Error; err != nil {
		return nil, err
	}
	return groups, nil
}

func (s *GORMStore) DeleteGroup(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&types.DeviceGroup{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrGroupNotFound
	}
	return nil
}
