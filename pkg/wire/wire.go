// Package wire defines the IM gateway's wire vocabulary: inbound
// event types and the outbound CQ-style message codec. The actual
// duplex connection lives in pkg/gateway; this package only defines
// the segment→text / text→CQ-code encodings that sit on either side
// of it.
package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// MessageType distinguishes a private chat from a group chat.
type MessageType string

const (
	MessageTypeGroup   MessageType = "group"
	MessageTypePrivate MessageType = "private"
)

// Sender identifies who sent an inbound message.
type Sender struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card,omitempty"`
}

// SegmentType enumerates the inbound segment kinds the gateway
// consumes.
type SegmentType string

const (
	SegText   SegmentType = "text"
	SegImage  SegmentType = "image"
	SegFace   SegmentType = "face"
	SegMFace  SegmentType = "mface"
	SegDice   SegmentType = "dice"
	SegRPS    SegmentType = "rps"
	SegPoke   SegmentType = "poke"
	SegAt     SegmentType = "at"
	SegReply  SegmentType = "reply"
	SegRecord SegmentType = "record"
	SegVideo  SegmentType = "video"
	SegFile   SegmentType = "file"
	SegJSON   SegmentType = "json"
	SegXML    SegmentType = "xml"
)

// Segment is one element of an inbound message array. Only the
// fields relevant to its Type are populated.
type Segment struct {
	Type SegmentType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	URL          string `json:"url,omitempty"`
	StickerHint  bool   `json:"sticker_hint,omitempty"`

	// face
	FaceID  string `json:"face_id,omitempty"`
	FaceRaw string `json:"face_raw,omitempty"`

	// mface
	Summary         string `json:"summary,omitempty"`
	EmojiID         string `json:"emoji_id,omitempty"`
	EmojiPackageID  string `json:"emoji_package_id,omitempty"`

	// at
	QQ string `json:"qq,omitempty"`

	// reply
	ReplyID string `json:"reply_id,omitempty"`
}

// InboundEvent is one event the IM gateway delivers.
type InboundEvent struct {
	PostType    string      `json:"post_type"`
	MessageType MessageType `json:"message_type"`
	SelfID      string      `json:"self_id"`
	UserID      string      `json:"user_id"`
	GroupID     string      `json:"group_id,omitempty"`
	Sender      Sender      `json:"sender"`
	Message     []Segment   `json:"message"`
}

// IsGroup reports whether the event belongs to a group chat.
func (e InboundEvent) IsGroup() bool { return e.MessageType == MessageTypeGroup }

// PlainText concatenates every text segment's content, the form the
// orchestrator's filter/agent stages reason over.
func (e InboundEvent) PlainText() string {
	var sb strings.Builder
	for _, seg := range e.Message {
		if seg.Type == SegText {
			sb.WriteString(seg.Text)
		}
	}
	return sb.String()
}

// ImageSegments returns every image segment, the input to Perception.
func (e InboundEvent) ImageSegments() []Segment {
	var out []Segment
	for _, seg := range e.Message {
		if seg.Type == SegImage {
			out = append(out, seg)
		}
	}
	return out
}

// IsMentioned reports whether selfID appears in an `at` segment.
func (e InboundEvent) IsMentioned(selfID string) bool {
	for _, seg := range e.Message {
		if seg.Type == SegAt && seg.QQ == selfID {
			return true
		}
	}
	return false
}

// IsLoneSticker reports whether the message is exactly one image
// segment carrying a sticker hint and nothing else.
func (e InboundEvent) IsLoneSticker() bool {
	if len(e.Message) != 1 {
		return false
	}
	return e.Message[0].Type == SegImage && e.Message[0].StickerHint
}

// OutboundAPICall names one of the gateway's outbound API calls.
type OutboundAPICall string

const (
	APISendMsg             OutboundAPICall = "send_msg"
	APIGetMsg              OutboundAPICall = "get_msg"
	APIGetGroupMemberInfo  OutboundAPICall = "get_group_member_info"
	APIGetStrangerInfo     OutboundAPICall = "get_stranger_info"
)

// APIRequest is one outbound call, matched to its response by EchoID.
type APIRequest struct {
	EchoID string          `json:"echo"`
	Call   OutboundAPICall `json:"call"`
	Params map[string]any  `json:"params"`
}

// EncodeAt renders an @mention as a CQ code.
func EncodeAt(qq string) string {
	return fmt.Sprintf("[CQ:at,qq=%s]", qq)
}

// EncodeImageFile renders a local file reference as a CQ image code.
func EncodeImageFile(path string) string {
	return fmt.Sprintf("[CQ:image,file=file://%s]", path)
}

// EncodeFace renders a stored emoji reference as a CQ face code.
func EncodeFace(id string) string {
	return fmt.Sprintf("[CQ:face,id=%s]", id)
}

// parseCQArgs scans the small, fixed CQ-code argument grammar; the
// grammar is simple enough that a regex would be more code.
func parseCQArgs(raw string) map[string]string {
	args := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 {
			args[kv[0]] = kv[1]
		}
	}
	return args
}

// DecodeCQCodes splits a message body into plain-text runs and
// CQ-code segments, the reverse of Encode* for messages that round
// trip back through the gateway (e.g. quoting a prior assistant
// reply).
func DecodeCQCodes(body string) []Segment {
	var segments []Segment
	for len(body) > 0 {
		start := strings.Index(body, "[CQ:")
		if start < 0 {
			if body != "" {
				segments = append(segments, Segment{Type: SegText, Text: body})
			}
			break
		}
		if start > 0 {
			segments = append(segments, Segment{Type: SegText, Text: body[:start]})
		}
		end := strings.Index(body[start:], "]")
		if end < 0 {
			segments = append(segments, Segment{Type: SegText, Text: body[start:]})
			break
		}
		end += start
		code := body[start+len("[CQ:") : end]
		parts := strings.SplitN(code, ",", 2)
		kind := parts[0]
		var args map[string]string
		if len(parts) == 2 {
			args = parseCQArgs(parts[1])
		}
		switch kind {
		case "at":
			segments = append(segments, Segment{Type: SegAt, QQ: args["qq"]})
		case "image":
			segments = append(segments, Segment{Type: SegImage, URL: args["file"]})
		case "face":
			segments = append(segments, Segment{Type: SegFace, FaceID: args["id"]})
		}
		body = body[end+1:]
	}
	return segments
}

// DefaultEmoji is the fallback glyph set the shortcut-sticker branch
// samples from when no stored-emoji match exists.
var DefaultEmoji = []string{"🐶", "🐱", "💖", "💕", "💝", "🤗", "👻", "👽"}

// PickDefaultEmoji deterministically selects one glyph by index,
// letting callers drive selection with their own RNG draw.
func PickDefaultEmoji(idx int) string {
	if idx < 0 {
		idx = -idx
	}
	return DefaultEmoji[idx%len(DefaultEmoji)]
}

// FormatEchoID builds a monotonically distinguishable echo id from a
// counter, used to match outbound API responses.
func FormatEchoID(counter int64) string {
	return strconv.FormatInt(counter, 10)
}
