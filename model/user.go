package model

import "time"

// User represents a participant identity in the system.
// Guests are auto-provisioned with a random identifier and no password;
// hosts may register with credentials so their Spotify link survives restarts.
type User struct {
	ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Identifier   string    `json:"identifier" gorm:"size:36;uniqueIndex;not null"`
	Username     string    `json:"username" gorm:"size:100"`
	PasswordHash string    `json:"-" gorm:"size:128"` // Not exposed in API responses; empty for guests
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}

// IsGuest reports whether the user was provisioned without credentials.
func (u *User) IsGuest() bool {
	return u.PasswordHash == ""
}
