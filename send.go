package dchat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eljojo/dchat/blobstore"
	"github.com/eljojo/dchat/ledger"
	"github.com/eljojo/dchat/runtime"
	"github.com/eljojo/dchat/types"
)

// Content is what a user sends: text, or a file to upload as an attachment.
type Content struct {
	Text     string
	FileName string
	Data     []byte
}

// TextContent is a text message.
func TextContent(text string) Content {
	return Content{Text: text}
}

// FileContent is an attachment.
func FileContent(fileName string, data []byte) Content {
	return Content{FileName: fileName, Data: data}
}

// IsAttachment reports whether the content carries a file.
func (c Content) IsAttachment() bool {
	return c.FileName != "" || len(c.Data) > 0
}

// SendCoordinator submits outgoing messages.
//
// It never touches a timeline: a sent message shows up only when the ledger
// emits its event and the live feed delivers it. Send returns once the
// ledger has confirmed (or rejected) the operation.
type SendCoordinator struct {
	submitter      Submitter
	blobs          blobstore.Store
	confirmTimeout time.Duration
	log            *runtime.ServiceLog

	sending atomic.Bool
}

// NewSendCoordinator creates a coordinator. blobs may be nil if attachments
// are never sent.
func NewSendCoordinator(submitter Submitter, blobs blobstore.Store) *SendCoordinator {
	return &SendCoordinator{
		submitter:      submitter,
		blobs:          blobs,
		confirmTimeout: 2 * time.Minute,
		log:            runtime.NewServiceLog("send", nil),
	}
}

// SetConfirmTimeout bounds how long Send waits for confirmation.
func (c *SendCoordinator) SetConfirmTimeout(d time.Duration) {
	c.confirmTimeout = d
}

// Sending reports whether a send is in flight.
func (c *SendCoordinator) Sending() bool {
	return c.sending.Load()
}

// Send delivers content to conv. Only one send runs at a time; a second
// call while one is in flight fails with ErrSendInProgress.
//
// Attachments are uploaded first. If the upload fails the send stops with
// ErrBlobStoreFailed and nothing reaches the ledger. A declined or reverted
// operation comes back as a *SubmissionRejectedError.
func (c *SendCoordinator) Send(ctx context.Context, conv types.ConversationRef, content Content) error {
	if !c.sending.CompareAndSwap(false, true) {
		return ErrSendInProgress
	}
	defer c.sending.Store(false)

	kind := "text"
	if content.IsAttachment() {
		kind = "attachment"
	}
	err := c.send(ctx, conv, content)
	result := "ok"
	switch {
	case errors.Is(err, ErrBlobStoreFailed):
		result = "blob_failed"
	case errors.Is(err, ErrSubmissionRejected):
		result = "rejected"
	case err != nil:
		result = "error"
	}
	sends.WithLabelValues(kind, result).Inc()
	return err
}

func (c *SendCoordinator) send(ctx context.Context, conv types.ConversationRef, content Content) error {
	log := c.log.With("conversation", conv.String())
	var op ledger.Operation
	if content.IsAttachment() {
		if len(content.Data) == 0 {
			return ErrEmptyMessage
		}
		if c.blobs == nil {
			return fmt.Errorf("%w: no blob store configured", ErrBlobStoreFailed)
		}
		cid, err := c.blobs.Put(ctx, content.Data, content.FileName)
		if err != nil {
			log.Warn("📦 upload of %s failed: %v", content.FileName, err)
			return fmt.Errorf("%w: %v", ErrBlobStoreFailed, err)
		}
		log.Debug("📦 %s stored as %s", content.FileName, cid)
		if conv.IsGroup() {
			op = ledger.SendGroupIPFSMessage(conv.Group, cid, content.FileName)
		} else {
			op = ledger.SendMessageIPFS(conv.Peer, cid, content.FileName)
		}
	} else {
		if strings.TrimSpace(content.Text) == "" {
			return ErrEmptyMessage
		}
		if conv.IsGroup() {
			op = ledger.SendGroupTextMessage(conv.Group, content.Text)
		} else {
			op = ledger.SendMessageText(conv.Peer, content.Text)
		}
	}

	receipt, err := submitAndConfirm(ctx, c.submitter, op, c.confirmTimeout)
	if err != nil {
		log.Warn("✉️ %s to %s: %v", op.Op, conv, err)
		return err
	}
	log.With("tx", receipt.TxID).Info("✉️ %s to %s confirmed in block %d", op.Op, conv, receipt.Block)
	return nil
}

// submitAndConfirm submits op and waits for final settlement. Ledger
// refusals become *SubmissionRejectedError.
func submitAndConfirm(ctx context.Context, submitter Submitter, op ledger.Operation, timeout time.Duration) (ledger.Receipt, error) {
	tx, err := submitter.Submit(ctx, op)
	if err != nil {
		return ledger.Receipt{}, rejection(op, err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	receipt, err := submitter.AwaitConfirmation(ctx, tx)
	if err != nil {
		return receipt, rejection(op, err)
	}
	return receipt, nil
}

func rejection(op ledger.Operation, err error) error {
	var txErr *ledger.TxError
	if errors.As(err, &txErr) {
		return &SubmissionRejectedError{Op: op.Op, Reason: txErr.Reason, Err: txErr.Err}
	}
	return fmt.Errorf("%s: %w", op.Op, err)
}
