// Package util holds small helpers shared across the bridge.
package util

// MaxDiscordMessageLen is the Discord API limit on message content, counted
// in unicode code points.
const MaxDiscordMessageLen = 2000

// ClampMessage shortens content to fit Discord's message length limit,
// replacing the tail with an ellipsis when it has to cut. Without this a
// long Teams message bounces the whole send with a 400.
func ClampMessage(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxDiscordMessageLen {
		return s
	}
	return string(runes[:MaxDiscordMessageLen-1]) + "…"
}
