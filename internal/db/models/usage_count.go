package models

import "time"

// UsageCount is a per-guild counter for bridge activity, one row per
// direction (e.g. "teams_to_discord", "discord_to_teams").
type UsageCount struct {
	GuildID   int64  `gorm:"primaryKey;autoIncrement:false"`
	Counter   string `gorm:"primaryKey"`
	Count     int64
	UpdatedAt time.Time
}
