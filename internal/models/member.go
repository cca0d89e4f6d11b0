package models

import (
	"time"
)

// Member is the locally cached projection of a clan member, refreshed
// from the identity collaborator. Only the fields the engine needs for
// authority checks and event payloads are kept here.
type Member struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	UpdatedAt time.Time `json:"updated_at"`

	Name      string `gorm:"not null" json:"name"`
	RankOrder int    `gorm:"not null" json:"rank_order"` // 1 = highest authority
	Sovereign bool   `gorm:"default:false" json:"sovereign"`
}
