package messages

import (
	"errors"

	"github.com/eljojo/dchat/types"
)

// DirectTextPayload is a one-to-one text message.
//
// Emitted by: sendMessageText(peer, text)
// Indexed: From, To
type DirectTextPayload struct {
	From    types.Address `json:"from"`
	To      types.Address `json:"to"`
	Message string        `json:"message"`
}

// Validate checks if the payload is well-formed.
func (p *DirectTextPayload) Validate() error {
	if p.From.IsZero() || p.To.IsZero() {
		return errors.New("from and to required")
	}
	return nil
}

// DirectAttachmentPayload references a file stored in the blob store.
//
// Emitted by: sendMessageIPFS(peer, contentId, fileName)
// Indexed: From, To
type DirectAttachmentPayload struct {
	From      types.Address `json:"from"`
	To        types.Address `json:"to"`
	ContentID string        `json:"content_id"`
	FileName  string        `json:"file_name"`
}

// Validate checks if the payload is well-formed.
func (p *DirectAttachmentPayload) Validate() error {
	if p.From.IsZero() || p.To.IsZero() {
		return errors.New("from and to required")
	}
	if p.ContentID == "" {
		return errors.New("content_id required")
	}
	return nil
}

// GroupTextPayload is a text message posted to a group.
//
// Emitted by: sendGroupTextMessage(groupId, text)
// Indexed: From, GroupID
type GroupTextPayload struct {
	From    types.Address `json:"from"`
	GroupID types.GroupID `json:"group_id"`
	Message string        `json:"message"`
}

// Validate checks if the payload is well-formed.
func (p *GroupTextPayload) Validate() error {
	if p.From.IsZero() {
		return errors.New("from required")
	}
	return nil
}

// GroupAttachmentPayload references a file posted to a group.
//
// Emitted by: sendGroupIPFSMessage(groupId, contentId, fileName)
// Indexed: From, GroupID
type GroupAttachmentPayload struct {
	From      types.Address `json:"from"`
	GroupID   types.GroupID `json:"group_id"`
	ContentID string        `json:"content_id"`
	FileName  string        `json:"file_name"`
}

// Validate checks if the payload is well-formed.
func (p *GroupAttachmentPayload) Validate() error {
	if p.From.IsZero() {
		return errors.New("from required")
	}
	if p.ContentID == "" {
		return errors.New("content_id required")
	}
	return nil
}
