package bridge

import "encoding/json"

// ClientState is the opaque state embedded in every subscription we create
// and echoed back in each notification: the shared secret doubles as a
// CSRF-style check, the guild and chat ids as the routing key.
type ClientState struct {
	Secret  string `json:"s"`
	GuildID int64  `json:"g"`
	ChatID  string `json:"c"`
}

// EncodeClientState builds the clientState string for a subscription.
func EncodeClientState(secret string, guildID int64, chatID string) string {
	buf, _ := json.Marshal(ClientState{Secret: secret, GuildID: guildID, ChatID: chatID})
	return string(buf)
}

// DecodeClientState parses a notification's clientState field.
func DecodeClientState(raw string) (*ClientState, error) {
	var cs ClientState
	if err := json.Unmarshal([]byte(raw), &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}
