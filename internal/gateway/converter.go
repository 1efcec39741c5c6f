package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kanzaki/switchboard/internal/relay"
)

// Event is the subset of an OneBot 11 event switchboard cares about. API
// responses travel on the same socket and reuse the Echo/Retcode fields.
type Event struct {
	PostType      string    `json:"post_type"`
	MetaEventType string    `json:"meta_event_type"`
	SubType       string    `json:"sub_type"`
	MessageType   string    `json:"message_type"`
	SelfID        int64     `json:"self_id"`
	UserID        int64     `json:"user_id"`
	GroupID       int64     `json:"group_id"`
	GroupName     string    `json:"group_name"`
	Sender        Sender    `json:"sender"`
	Message       []Segment `json:"message"`

	// API response fields.
	Echo    string          `json:"echo"`
	Status  string          `json:"status"`
	Retcode *int            `json:"retcode"`
	Data    json.RawMessage `json:"data"`
}

// Sender describes the message author.
type Sender struct {
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
}

// Segment is one OneBot message segment.
type Segment struct {
	Type string      `json:"type"`
	Data SegmentData `json:"data"`
}

// SegmentData holds the union of segment payload fields used here.
type SegmentData struct {
	Text string     `json:"text,omitempty"`
	QQ   flexString `json:"qq,omitempty"`
}

// flexString decodes a JSON string or number into a string. NapCat sends
// the at-segment QQ as a string, but other OneBot implementations use a
// number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// Placeholders substituted for non-text segments.
const (
	placeholderImage = "[image]"
	placeholderFace  = "[emoji]"
)

// ParseMessage converts an OneBot message event into a normalized relay
// message: sourceKey derived from the chat, text flattened from segments,
// @bot detected and stripped.
func ParseMessage(ev Event, botID int64) relay.Message {
	kind := relay.KindPrivate
	sourceKey := "private:" + strconv.FormatInt(ev.UserID, 10)
	if ev.MessageType == "group" {
		kind = relay.KindGroup
		sourceKey = "group:" + strconv.FormatInt(ev.GroupID, 10)
	}

	// Group card takes precedence over the account nickname.
	senderName := ev.Sender.Card
	if senderName == "" {
		senderName = ev.Sender.Nickname
	}
	if senderName == "" {
		senderName = strconv.FormatInt(ev.UserID, 10)
	}

	var parts []string
	atBot := false
	botIDStr := strconv.FormatInt(botID, 10)

	for _, seg := range ev.Message {
		switch seg.Type {
		case "text":
			parts = append(parts, seg.Data.Text)
		case "at":
			if string(seg.Data.QQ) == botIDStr {
				atBot = true // the @bot itself is dropped from the text
			} else {
				parts = append(parts, "@"+string(seg.Data.QQ))
			}
		case "image":
			parts = append(parts, placeholderImage)
		case "face":
			parts = append(parts, placeholderFace)
		}
		// Other segment types (reply, record, ...) are dropped.
	}

	return relay.Message{
		SourceKey:  sourceKey,
		Text:       strings.TrimSpace(strings.Join(parts, "")),
		Kind:       kind,
		AtBot:      atBot,
		SenderName: senderName,
		SenderID:   ev.UserID,
		GroupID:    ev.GroupID,
		GroupName:  ev.GroupName,
	}
}

// TextSegments wraps plain reply text in an OneBot segment array.
func TextSegments(text string) []Segment {
	return []Segment{{Type: "text", Data: SegmentData{Text: text}}}
}

// apiRequest is an outbound OneBot API call.
type apiRequest struct {
	Action string      `json:"action"`
	Params interface{} `json:"params"`
	Echo   string      `json:"echo"`
}

// privateParams addresses a private-chat reply.
type privateParams struct {
	UserID  int64     `json:"user_id"`
	Message []Segment `json:"message"`
}

// groupParams addresses a group-chat reply.
type groupParams struct {
	GroupID int64     `json:"group_id"`
	Message []Segment `json:"message"`
}

// replyAction builds the API request that answers ev with text.
func replyAction(ev Event, text, echo string) (apiRequest, error) {
	segments := TextSegments(text)
	switch ev.MessageType {
	case "private":
		return apiRequest{
			Action: "send_private_msg",
			Params: privateParams{UserID: ev.UserID, Message: segments},
			Echo:   echo,
		}, nil
	case "group":
		return apiRequest{
			Action: "send_group_msg",
			Params: groupParams{GroupID: ev.GroupID, Message: segments},
			Echo:   echo,
		}, nil
	default:
		return apiRequest{}, fmt.Errorf("gateway: no reply route for message type %q", ev.MessageType)
	}
}
