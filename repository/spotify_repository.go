package repository

import (
	"context"

	"AuxParty/model"

	"gorm.io/gorm"
)

// SpotifyRepository host 账号的 Spotify 关联数据（歌单、设备、令牌）
type SpotifyRepository interface {
	// 歌单
	ReplacePlaylists(ctx context.Context, userID int64, playlists []*model.UserPlaylist) error
	ListPlaylists(ctx context.Context, userID int64) ([]*model.UserPlaylist, error)
	SelectPlaylist(ctx context.Context, userID int64, playlistID int64) error
	GetSelectedPlaylist(ctx context.Context, userID int64) (*model.UserPlaylist, error)

	// 设备
	ReplaceDevices(ctx context.Context, userID int64, devices []*model.PlaybackDevice) error
	ListDevices(ctx context.Context, userID int64) ([]*model.PlaybackDevice, error)
	SelectDevice(ctx context.Context, userID int64, deviceID int64) error
	GetSelectedDevice(ctx context.Context, userID int64) (*model.PlaybackDevice, error)

	// 令牌
	GetToken(ctx context.Context, userID int64) (*model.ApiToken, error)
	SaveToken(ctx context.Context, token *model.ApiToken) error
}

// gormSpotifyRepository GORM 实现
type gormSpotifyRepository struct {
	db *gorm.DB
}

// NewGormSpotifyRepository 创建 GORM Spotify 仓库
func NewGormSpotifyRepository(db *gorm.DB) SpotifyRepository {
	return &gormSpotifyRepository{db: db}
}

// ========== 歌单 ==========

// ReplacePlaylists 整体替换用户歌单列表（同步自 Spotify 时调用）
func (r *gormSpotifyRepository) ReplacePlaylists(ctx context.Context, userID int64, playlists []*model.UserPlaylist) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&model.UserPlaylist{}).Error; err != nil {
			return err
		}
		for _, p := range playlists {
			p.UserID = userID
		}
		if len(playlists) > 0 {
			return tx.Create(&playlists).Error
		}
		return nil
	})
}

// ListPlaylists 列出用户歌单
func (r *gormSpotifyRepository) ListPlaylists(ctx context.Context, userID int64) ([]*model.UserPlaylist, error) {
	var playlists []*model.UserPlaylist
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&playlists).Error
	return playlists, err
}

// SelectPlaylist 单选歌单（清除旧选中）
func (r *gormSpotifyRepository) SelectPlaylist(ctx context.Context, userID int64, playlistID int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.UserPlaylist{}).
			Where("user_id = ?", userID).
			Update("is_selected", false).Error; err != nil {
			return err
		}
		return tx.Model(&model.UserPlaylist{}).
			Where("id = ? AND user_id = ?", playlistID, userID).
			Update("is_selected", true).Error
	})
}

// GetSelectedPlaylist 获取选中歌单，未选中时返回 (nil, nil)
func (r *gormSpotifyRepository) GetSelectedPlaylist(ctx context.Context, userID int64) (*model.UserPlaylist, error) {
	var playlist model.UserPlaylist
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_selected = ?", userID, true).
		First(&playlist).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &playlist, nil
}

// ========== 设备 ==========

// ReplaceDevices 整体替换用户设备列表
func (r *gormSpotifyRepository) ReplaceDevices(ctx context.Context, userID int64, devices []*model.PlaybackDevice) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&model.PlaybackDevice{}).Error; err != nil {
			return err
		}
		for _, d := range devices {
			d.UserID = userID
		}
		if len(devices) > 0 {
			return tx.Create(&devices).Error
		}
		return nil
	})
}

// ListDevices 列出用户设备
func (r *gormSpotifyRepository) ListDevices(ctx context.Context, userID int64) ([]*model.PlaybackDevice, error) {
	var devices []*model.PlaybackDevice
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&devices).Error
	return devices, err
}

// SelectDevice 单选设备（清除旧选中）
func (r *gormSpotifyRepository) SelectDevice(ctx context.Context, userID int64, deviceID int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.PlaybackDevice{}).
			Where("user_id = ?", userID).
			Update("is_selected", false).Error; err != nil {
			return err
		}
		return tx.Model(&model.PlaybackDevice{}).
			Where("id = ? AND user_id = ?", deviceID, userID).
			Update("is_selected", true).Error
	})
}

// GetSelectedDevice 获取选中设备，未选中时返回 (nil, nil)
func (r *gormSpotifyRepository) GetSelectedDevice(ctx context.Context, userID int64) (*model.PlaybackDevice, error) {
	var device model.PlaybackDevice
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_selected = ?", userID, true).
		First(&device).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &device, nil
}

// ========== 令牌 ==========

// GetToken 获取用户令牌，不存在时返回 (nil, nil)
func (r *gormSpotifyRepository) GetToken(ctx context.Context, userID int64) (*model.ApiToken, error) {
	var token model.ApiToken
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&token).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &token, nil
}

// SaveToken 写入或更新用户令牌
func (r *gormSpotifyRepository) SaveToken(ctx context.Context, token *model.ApiToken) error {
	existing, err := r.GetToken(ctx, token.UserID)
	if err != nil {
		return err
	}
	if existing != nil {
		token.ID = existing.ID
	}
	return r.db.WithContext(ctx).Save(token).Error
}
