package relay

import "strings"

// Command identifies a user command parsed from message text.
type Command string

// Recognized commands. CommandNone means the text is a regular message.
const (
	CommandNone    Command = ""
	CommandNew     Command = "new"
	CommandHelp    Command = "help"
	CommandUnknown Command = "unknown"
)

// helpText is shown for /help and any unknown /command.
const helpText = "switchboard commands:\n" +
	"/new  - start a fresh conversation (clears the AI context)\n" +
	"/help - show this help\n" +
	"Send any other text to talk to the assistant."

// ParseCommand identifies a command from message text. Text not starting
// with "/" is a regular message.
func ParseCommand(text string) Command {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return CommandNone
	}

	fields := strings.Fields(text)
	if len(fields) == 0 {
		return CommandNone
	}
	switch strings.ToLower(strings.TrimPrefix(fields[0], "/")) {
	case "new":
		return CommandNew
	case "help":
		return CommandHelp
	default:
		return CommandUnknown
	}
}
