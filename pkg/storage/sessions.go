package storage

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/pureboot/pureboot/pkg/types"
)

// isUniqueViolation detects unique-constraint failures across the
// sqlite and postgres drivers, which do not share an error type.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// Clone session operations

func (s *GORMStore) CreateSession(ctx context.Context, session *types.CloneSession) error {
	return s.db.WithContext(ctx).Create(session).Error
}

func (s *GORMStore) GetSession(ctx context.Context, id string) (*types.CloneSession, error) {
	var session types.CloneSession
	err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *GORMStore) ListSessions(ctx context.Context) ([]*types.CloneSession, error) {
	var sessions []*types.CloneSession
	if err := s.db.WithContext(ctx).Order("created_at desc").Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *GORMStore) UpdateSession(ctx context.Context, session *types.CloneSession) error {
	res := s.db.WithContext(ctx).Save(session)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ActiveSessionForNode returns the non-terminal session the node takes
// part in, as source or target. At most one exists by invariant.
func (s *GORMStore) ActiveSessionForNode(ctx context.Context, nodeID string) (*types.CloneSession, error) {
	var session types.CloneSession
	err := s.db.WithContext(ctx).
		Where("(source_node_id = ? OR target_node_id = ?)", nodeID, nodeID).
		Where("status NOT IN ?", []types.SessionStatus{
			types.SessionComplete, types.SessionFailed, types.SessionCancelled,
		}).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}
