package storage

import "time"

// SessionRow is the durable shadow of a room: enough to let the DM reclaim
// it after a restart. Live state is never written.
type SessionRow struct {
	RoomCode     string      `gorm:"column:room_code;primaryKey;size:16"`
	DMKey        string      `gorm:"column:dm_key;not null"`
	CreatedAt    time.Time   `gorm:"column:created_at;not null"`
	LastActivity time.Time   `gorm:"column:last_activity;not null;index"`
	Players      []PlayerRow `gorm:"foreignKey:SessionRoomCode;references:RoomCode;constraint:OnDelete:CASCADE"`
}

func (SessionRow) TableName() string { return "sessions" }

type PlayerRow struct {
	ID              string    `gorm:"column:id;primaryKey;size:64"`
	SessionRoomCode string    `gorm:"column:session_room_code;not null;index;size:16"`
	Name            string    `gorm:"column:name;not null"`
	JoinedAt        time.Time `gorm:"column:joined_at;not null"`
}

func (PlayerRow) TableName() string { return "players" }
