// Package relay is the message processing pipeline: it binds the session
// store and the opencode dispatcher together and turns one inbound chat
// message into one reply.
package relay

import "fmt"

// Chat kinds.
const (
	KindPrivate = "private"
	KindGroup   = "group"
)

// Message is a normalized inbound chat message, already stripped of
// transport framing by the gateway.
type Message struct {
	// SourceKey identifies the chat thread: "private:<user_id>" or
	// "group:<group_id>". It is the conversation lookup key.
	SourceKey string
	// Text is the plain message text with mentions and media resolved.
	Text string
	// Kind is KindPrivate or KindGroup.
	Kind string
	// AtBot reports whether the bot was @-mentioned (always false for
	// private chats).
	AtBot      bool
	SenderName string
	SenderID   int64
	GroupID    int64
	GroupName  string
}

// BuildPrompt prepends a context header to the message text so the
// assistant knows who is talking and from where.
func BuildPrompt(msg Message) string {
	var header string
	if msg.Kind == KindPrivate {
		header = fmt.Sprintf("[Private chat, user %s(%d)]", msg.SenderName, msg.SenderID)
	} else {
		header = fmt.Sprintf("[Group %s(%d), user %s(%d)]",
			msg.GroupName, msg.GroupID, msg.SenderName, msg.SenderID)
	}
	return header + "\n" + msg.Text
}
