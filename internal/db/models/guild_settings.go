package models

import (
	"encoding/json"
	"time"

	"github.com/quillbot/teamsbridge/internal/graph"
)

// GuildSettings is the per-guild bridge configuration. A row is created
// lazily (all bridge fields empty) on first read and never deleted; fields
// are cleared instead.
type GuildSettings struct {
	GuildID      int64   `gorm:"primaryKey;autoIncrement:false"`
	TeamsAuth    *string // JSON-encoded token record, nil when not authorized
	TeamsChannel *int64
	TeamsChatID  *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Tokens decodes the stored token record. Nil without error means the guild
// is not authorized.
func (g *GuildSettings) Tokens() (*graph.TokenSet, error) {
	if g.TeamsAuth == nil {
		return nil, nil
	}
	var ts graph.TokenSet
	if err := json.Unmarshal([]byte(*g.TeamsAuth), &ts); err != nil {
		return nil, err
	}
	return &ts, nil
}

// SetTokens replaces the stored token record wholesale; nil clears it.
func (g *GuildSettings) SetTokens(ts *graph.TokenSet) {
	if ts == nil {
		g.TeamsAuth = nil
		return
	}
	buf, _ := json.Marshal(ts)
	s := string(buf)
	g.TeamsAuth = &s
}
