package dispatch

import "strings"

const startText = "Hi! I'm ready to chat. Send me a message, or /help to see what I can do."

const helpMenu = `Here's what I can do:

/start - Introduction and status
/help - This menu
/new - Start a fresh conversation (state from earlier chats is kept per user)

Anything else you send becomes part of our conversation. I remember facts
within a conversation and across your conversations where you've asked me to.`

const newConversationText = "Started a new conversation. Earlier messages won't be used for context."

// command extracts a leading slash command from a message, lowercased and
// stripped of a bot-name suffix ("/help@my_bot" -> "help"). Returns "" for
// ordinary text.
func command(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd := text[1:]
	if at := strings.IndexAny(cmd, " \t\n"); at >= 0 {
		cmd = cmd[:at]
	}
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd)
}
