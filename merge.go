package dchat

import (
	"context"

	"github.com/eljojo/dchat/messages"
	"github.com/eljojo/dchat/runtime"
	"github.com/eljojo/dchat/types"
)

// liveEvent carries one live event through the merge pipeline.
type liveEvent struct {
	ctx context.Context
	raw messages.RawEvent
	msg Message
}

// MergeEngine feeds live events into one conversation's timeline.
//
// Each event runs through relevance, normalize, dedupe, name and append
// stages. Dedup is by MessageID, which is what makes overlap between the
// historical backfill and the live feed harmless.
type MergeEngine struct {
	self     types.Address
	conv     types.ConversationRef
	timeline *Timeline
	names    *NameCache
	log      *runtime.ServiceLog

	pipeline runtime.Pipeline[*liveEvent]
}

// NewMergeEngine creates an engine appending to timeline.
func NewMergeEngine(self types.Address, conv types.ConversationRef, timeline *Timeline, names *NameCache) *MergeEngine {
	m := &MergeEngine{
		self:     self,
		conv:     conv,
		timeline: timeline,
		names:    names,
		log:      runtime.NewServiceLog("merge", nil),
	}
	m.pipeline = runtime.Pipeline[*liveEvent]{
		runtime.StageFunc[*liveEvent](m.relevanceStage),
		runtime.StageFunc[*liveEvent](m.normalizeStage),
		runtime.StageFunc[*liveEvent](m.dedupeStage),
		runtime.StageFunc[*liveEvent](m.nameStage),
		runtime.StageFunc[*liveEvent](m.appendStage),
	}
	return m
}

// Timeline returns the timeline the engine appends to.
func (m *MergeEngine) Timeline() *Timeline {
	return m.timeline
}

// OnLiveEvent processes one event. It returns the appended message and true,
// or false if the event was irrelevant or already present.
//
// Calls for one engine must not overlap; live feeds deliver sequentially.
func (m *MergeEngine) OnLiveEvent(ctx context.Context, e messages.RawEvent) (Message, bool) {
	result := m.pipeline.Run(&liveEvent{ctx: ctx, raw: e})
	switch {
	case result.IsContinue():
		liveEvents.WithLabelValues("appended").Inc()
		m.log.Debug("✉️ %s appended to %s", e.LogFormat(), m.conv)
		return result.Item.msg, true
	case result.IsError():
		liveEvents.WithLabelValues("failed").Inc()
		m.log.Warn("✉️ %s: %v", e.LogFormat(), result.Error)
	default:
		liveEvents.WithLabelValues(result.Reason).Inc()
		m.log.Debug("✉️ %s dropped: %s", e.LogFormat(), result.Reason)
	}
	return Message{}, false
}

func (m *MergeEngine) relevanceStage(ev *liveEvent) runtime.StageResult[*liveEvent] {
	if !Relevant(m.self, m.conv, ev.raw) {
		return runtime.Drop[*liveEvent]("irrelevant")
	}
	return runtime.Continue(ev)
}

func (m *MergeEngine) normalizeStage(ev *liveEvent) runtime.StageResult[*liveEvent] {
	ev.msg = Normalize(m.self, ev.raw)
	return runtime.Continue(ev)
}

// dedupeStage drops early so known events don't cost a name lookup.
// appendStage checks again since Append is the authority.
func (m *MergeEngine) dedupeStage(ev *liveEvent) runtime.StageResult[*liveEvent] {
	if m.timeline.Has(ev.msg.ID) {
		return runtime.Drop[*liveEvent]("duplicate")
	}
	return runtime.Continue(ev)
}

func (m *MergeEngine) nameStage(ev *liveEvent) runtime.StageResult[*liveEvent] {
	if ev.msg.Sender.IsZero() {
		ev.msg.SenderName = UnknownName
	} else {
		ev.msg.SenderName = m.names.Resolve(ev.ctx, ev.msg.Sender)
	}
	return runtime.Continue(ev)
}

func (m *MergeEngine) appendStage(ev *liveEvent) runtime.StageResult[*liveEvent] {
	if !m.timeline.Append(ev.msg) {
		return runtime.Drop[*liveEvent]("duplicate")
	}
	return runtime.Continue(ev)
}
