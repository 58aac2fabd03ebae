package dchat

import (
	"fmt"
	"path"
	"strings"

	"github.com/eljojo/dchat/blobstore"
	"github.com/eljojo/dchat/messages"
	"github.com/eljojo/dchat/types"
)

// UnknownName is shown for senders whose name could not be resolved.
const UnknownName = "Unknown"

// ContentKind says what a Message carries.
type ContentKind int

const (
	ContentText ContentKind = iota + 1
	ContentAttachment
	// ContentUnsupported marks events whose payload was missing or malformed.
	ContentUnsupported
)

func (k ContentKind) String() string {
	switch k {
	case ContentText:
		return "text"
	case ContentAttachment:
		return "attachment"
	case ContentUnsupported:
		return "unsupported"
	}
	return "unknown"
}

// MessageID is a message's stable key: the ledger's (timestamp, sequence)
// position plus its event kind.
type MessageID struct {
	Timestamp int64
	Sequence  uint64
	Kind      messages.EventKind
}

func (id MessageID) String() string {
	return fmt.Sprintf("%d:%d:%s", id.Timestamp, id.Sequence, id.Kind)
}

// Less is the canonical timeline order: timestamp, then ledger sequence.
// Kind only breaks ties between ids that should never collide on a real
// ledger, so the order stays total.
func (id MessageID) Less(other MessageID) bool {
	if id.Timestamp != other.Timestamp {
		return id.Timestamp < other.Timestamp
	}
	if id.Sequence != other.Sequence {
		return id.Sequence < other.Sequence
	}
	return id.Kind < other.Kind
}

// Attachment references a blob by content id.
type Attachment struct {
	ContentID string
	FileName  string
}

// IsImage reports whether the attachment should render inline as an image.
func (a Attachment) IsImage() bool {
	return IsImage(a.FileName)
}

// URL returns where the attachment can be fetched from under gateway.
func (a Attachment) URL(gateway string) string {
	return blobstore.GatewayURL(gateway, a.ContentID)
}

// Message is the canonical form of a chat event.
type Message struct {
	ID           MessageID
	Sender       types.Address
	SenderName   string
	Conversation types.ConversationRef
	Content      ContentKind
	Text         string
	Attachment   *Attachment
	Timestamp    int64
}

// IsFrom reports whether addr sent the message.
func (m Message) IsFrom(addr types.Address) bool {
	return m.Sender.Equal(addr)
}

// Body renders the message content as a single line.
func (m Message) Body() string {
	switch m.Content {
	case ContentText:
		return m.Text
	case ContentAttachment:
		if m.Attachment != nil {
			return "📎 " + m.Attachment.FileName
		}
	}
	return "(unsupported message)"
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// IsImage classifies a file name by extension, case-insensitively.
func IsImage(fileName string) bool {
	return imageExtensions[strings.ToLower(path.Ext(fileName))]
}

// Normalize converts a chat event into a Message from self's point of view;
// self decides which side of a direct event is the counterparty.
//
// It never fails. Events whose payload is missing or invalid become
// ContentUnsupported messages that still carry their id and timestamp, so
// they keep their place in the timeline.
func Normalize(self types.Address, e messages.RawEvent) Message {
	m := Message{
		ID:        MessageID{Timestamp: e.Timestamp, Sequence: e.Sequence, Kind: e.Kind},
		Timestamp: e.Timestamp,
		Content:   ContentUnsupported,
	}

	valid := e.Validate() == nil
	switch e.Kind {
	case messages.KindDirectText:
		if p := e.DirectText; p != nil {
			m.Sender = p.From
			m.Conversation = directRef(self, p.From, p.To)
			if valid {
				m.Content = ContentText
				m.Text = p.Message
			}
		}
	case messages.KindDirectAttachment:
		if p := e.DirectAttachment; p != nil {
			m.Sender = p.From
			m.Conversation = directRef(self, p.From, p.To)
			if valid {
				m.Content = ContentAttachment
				m.Attachment = &Attachment{ContentID: p.ContentID, FileName: p.FileName}
			}
		}
	case messages.KindGroupText:
		if p := e.GroupText; p != nil {
			m.Sender = p.From
			m.Conversation = types.Group(p.GroupID)
			if valid {
				m.Content = ContentText
				m.Text = p.Message
			}
		}
	case messages.KindGroupAttachment:
		if p := e.GroupAttachment; p != nil {
			m.Sender = p.From
			m.Conversation = types.Group(p.GroupID)
			if valid {
				m.Content = ContentAttachment
				m.Attachment = &Attachment{ContentID: p.ContentID, FileName: p.FileName}
			}
		}
	}
	return m
}

func directRef(self, from, to types.Address) types.ConversationRef {
	if from.Equal(self) {
		return types.Direct(to)
	}
	return types.Direct(from)
}

// Relevant reports whether e belongs to conv as seen by self.
//
// Direct events match when {from, to} equals {self, peer} as an unordered
// pair. Group events match on group id. Only the payload named by e.Kind is
// read; an event whose kind and payload disagree is never relevant.
func Relevant(self types.Address, conv types.ConversationRef, e messages.RawEvent) bool {
	var from, to types.Address
	switch e.Kind {
	case messages.KindDirectText:
		if e.DirectText == nil {
			return false
		}
		from, to = e.DirectText.From, e.DirectText.To
	case messages.KindDirectAttachment:
		if e.DirectAttachment == nil {
			return false
		}
		from, to = e.DirectAttachment.From, e.DirectAttachment.To
	case messages.KindGroupText:
		return e.GroupText != nil && conv.IsGroup() && e.GroupText.GroupID == conv.Group
	case messages.KindGroupAttachment:
		return e.GroupAttachment != nil && conv.IsGroup() && e.GroupAttachment.GroupID == conv.Group
	default:
		return false
	}
	if !conv.IsDirect() {
		return false
	}
	return (from.Equal(self) && to.Equal(conv.Peer)) || (from.Equal(conv.Peer) && to.Equal(self))
}
