package repository

import (
	"context"

	"AuxParty/model"

	"gorm.io/gorm"
)

// SessionRepository 会话数据访问接口
type SessionRepository interface {
	// 会话 CRUD
	CreateSession(ctx context.Context, session *model.PartySession, tracks []*model.SessionTrack) error
	GetSession(ctx context.Context, code string) (*model.PartySession, error)
	UpdateSession(ctx context.Context, session *model.PartySession) error
	SessionExists(ctx context.Context, code string) (bool, error)
	// DeleteSession 显式 teardown：会话、成员、歌曲在一个事务内删除
	DeleteSession(ctx context.Context, code string) error

	// 成员管理
	AddParticipant(ctx context.Context, p *model.SessionParticipant) error
	GetParticipant(ctx context.Context, code string, userID int64) (*model.SessionParticipant, error)
	RemoveParticipant(ctx context.Context, code string, userID int64) error
	CountParticipants(ctx context.Context, code string) (int64, error)
	UpdateParticipantVote(ctx context.Context, code string, userID int64, voteTrackID *int64) error
	ClearParticipantVotes(ctx context.Context, code string) error

	// 歌曲状态
	GetTracks(ctx context.Context, code string) ([]*model.SessionTrack, error)
	SaveTracks(ctx context.Context, tracks []*model.SessionTrack) error
}

// gormSessionRepository GORM 实现
type gormSessionRepository struct {
	db *gorm.DB
}

// NewGormSessionRepository 创建 GORM 会话仓库
func NewGormSessionRepository(db *gorm.DB) SessionRepository {
	return &gormSessionRepository{db: db}
}

// ========== 会话 CRUD ==========

// CreateSession 创建会话及其歌曲目录（单事务）
func (r *gormSessionRepository) CreateSession(ctx context.Context, session *model.PartySession, tracks []*model.SessionTrack) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(session).Error; err != nil {
			return err
		}
		for _, t := range tracks {
			t.SessionCode = session.Code
		}
		if len(tracks) > 0 {
			if err := tx.Create(&tracks).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSession 根据派对码获取会话，不存在时返回 (nil, nil)
func (r *gormSessionRepository) GetSession(ctx context.Context, code string) (*model.PartySession, error) {
	var session model.PartySession
	err := r.db.WithContext(ctx).
		Where("code = ?", code).
		First(&session).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// UpdateSession 回写会话的回合状态字段
func (r *gormSessionRepository) UpdateSession(ctx context.Context, session *model.PartySession) error {
	return r.db.WithContext(ctx).Model(&model.PartySession{}).
		Where("code = ?", session.Code).
		Updates(map[string]interface{}{
			"initialized":         session.Initialized,
			"voting_allowed":      session.VotingAllowed,
			"playback_started_at": session.PlaybackStartedAt,
		}).Error
}

// SessionExists 检查派对码是否已占用
func (r *gormSessionRepository) SessionExists(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.PartySession{}).
		Where("code = ?", code).
		Count(&count).Error
	return count > 0, err
}

// DeleteSession 删除会话及全部从属行
// host 断开时调用；不依赖数据库级联，teardown 路径必须显式
func (r *gormSessionRepository) DeleteSession(ctx context.Context, code string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_code = ?", code).Delete(&model.SessionParticipant{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_code = ?", code).Delete(&model.SessionTrack{}).Error; err != nil {
			return err
		}
		return tx.Where("code = ?", code).Delete(&model.PartySession{}).Error
	})
}

// ========== 成员管理 ==========

// AddParticipant 添加成员
func (r *gormSessionRepository) AddParticipant(ctx context.Context, p *model.SessionParticipant) error {
	return r.db.WithContext(ctx).Create(p).Error
}

// GetParticipant 获取成员，不存在时返回 (nil, nil)
func (r *gormSessionRepository) GetParticipant(ctx context.Context, code string, userID int64) (*model.SessionParticipant, error) {
	var p model.SessionParticipant
	err := r.db.WithContext(ctx).
		Where("session_code = ? AND user_id = ?", code, userID).
		First(&p).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// RemoveParticipant 删除成员行
func (r *gormSessionRepository) RemoveParticipant(ctx context.Context, code string, userID int64) error {
	return r.db.WithContext(ctx).
		Where("session_code = ? AND user_id = ?", code, userID).
		Delete(&model.SessionParticipant{}).Error
}

// CountParticipants 统计会话成员数
func (r *gormSessionRepository) CountParticipants(ctx context.Context, code string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.SessionParticipant{}).
		Where("session_code = ?", code).
		Count(&count).Error
	return count, err
}

// UpdateParticipantVote 更新成员当前投票（nil 表示撤票）
func (r *gormSessionRepository) UpdateParticipantVote(ctx context.Context, code string, userID int64, voteTrackID *int64) error {
	return r.db.WithContext(ctx).Model(&model.SessionParticipant{}).
		Where("session_code = ? AND user_id = ?", code, userID).
		Update("vote_track_id", voteTrackID).Error
}

// ClearParticipantVotes 清空会话内全部成员的投票（回合滚动、恢复会话用）
func (r *gormSessionRepository) ClearParticipantVotes(ctx context.Context, code string) error {
	return r.db.WithContext(ctx).Model(&model.SessionParticipant{}).
		Where("session_code = ?", code).
		Update("vote_track_id", nil).Error
}

// ========== 歌曲状态 ==========

// GetTracks 获取会话歌曲，按目录顺序
func (r *gormSessionRepository) GetTracks(ctx context.Context, code string) ([]*model.SessionTrack, error) {
	var tracks []*model.SessionTrack
	err := r.db.WithContext(ctx).
		Where("session_code = ?", code).
		Order("position ASC").
		Find(&tracks).Error
	return tracks, err
}

// SaveTracks 批量回写歌曲标志与票数（单事务，回合滚动用）
func (r *gormSessionRepository) SaveTracks(ctx context.Context, tracks []*model.SessionTrack) error {
	if len(tracks) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, t := range tracks {
			if err := tx.Model(&model.SessionTrack{}).
				Where("id = ?", t.ID).
				Updates(map[string]interface{}{
					"is_playing": t.IsPlaying,
					"was_played": t.WasPlayed,
					"is_votable": t.IsVotable,
					"votes":      t.Votes,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
