package db

import (
	"github.com/quillbot/teamsbridge/internal/db/models"
	"gorm.io/gorm"
)

// Store wraps the gorm handle with the guild-settings operations the bridge
// needs. Reads lazily create an empty row per guild. Read-then-write is
// deliberately unguarded: concurrent writers (an admin command racing a
// relay worker) are last-write-wins, which token refresh tolerates.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store over an initialized database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// GetGuildSettings returns the guild's settings row, creating the default
// empty row on first read.
func (s *Store) GetGuildSettings(guildID int64) (*models.GuildSettings, error) {
	var gs models.GuildSettings
	if err := s.db.FirstOrCreate(&gs, models.GuildSettings{GuildID: guildID}).Error; err != nil {
		return nil, err
	}
	return &gs, nil
}

// SetGuildSettings writes the row back wholesale.
func (s *Store) SetGuildSettings(gs *models.GuildSettings) error {
	return s.db.Save(gs).Error
}

// BumpUsage increments a per-guild activity counter.
func (s *Store) BumpUsage(guildID int64, counter string) error {
	uc := models.UsageCount{GuildID: guildID, Counter: counter}
	if err := s.db.FirstOrCreate(&uc, models.UsageCount{GuildID: guildID, Counter: counter}).Error; err != nil {
		return err
	}
	return s.db.Model(&uc).UpdateColumn("count", gorm.Expr("count + ?", 1)).Error
}
