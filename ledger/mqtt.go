package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/eljojo/dchat/messages"
	"github.com/eljojo/dchat/utilities"
)

// DefaultTopicPrefix is used when MQTTConfig.TopicPrefix is empty.
const DefaultTopicPrefix = "dchat"

// MQTTConfig describes the broker carrying the ledger's live feed.
type MQTTConfig struct {
	Host        string `yaml:"host"`
	User        string `yaml:"user"`
	Pass        string `yaml:"pass"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

func (c MQTTConfig) prefix() string {
	if c.TopicPrefix == "" {
		return DefaultTopicPrefix
	}
	return c.TopicPrefix
}

// EventTopic is the topic events of kind are published on.
func (c MQTTConfig) EventTopic(kind messages.EventKind) string {
	return fmt.Sprintf("%s/events/%s", c.prefix(), kind)
}

// ReceiptTopic is the topic transaction receipts are published on.
func (c MQTTConfig) ReceiptTopic() string {
	return c.prefix() + "/receipts"
}

// MQTTFeed is the live event feed over MQTT.
//
// One broker subscription is held per event kind and fanned out to local
// subscriptions. paho reconnects on its own; when it does, every topic is
// subscribed again, retrying until the broker accepts it, and only then do
// that kind's handlers get OnRestored. Events published while the
// connection was down are not replayed.
type MQTTFeed struct {
	config MQTTConfig
	client mqtt.Client

	mu       sync.Mutex
	handles  map[messages.EventKind]map[*mqttSubscription]struct{}
	extra    map[string]mqtt.MessageHandler // non-event topics (receipts)
	wasLost  bool
	epoch    uint64 // bumped on every connect; stale retry loops exit
	limiter  *rate.Limiter
	backoff  time.Duration
	closeCtx context.Context
	cancel   context.CancelFunc
}

// NewMQTTFeed builds a feed. Call Connect before use.
func NewMQTTFeed(config MQTTConfig) *MQTTFeed {
	if config.ClientID == "" {
		config.ClientID = "dchat-" + uuid.NewString()[:8]
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &MQTTFeed{
		config:   config,
		handles:  make(map[messages.EventKind]map[*mqttSubscription]struct{}),
		extra:    make(map[string]mqtt.MessageHandler),
		limiter:  rate.NewLimiter(rate.Every(50*time.Millisecond), 4),
		backoff:  200 * time.Millisecond,
		closeCtx: ctx,
		cancel:   cancel,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Host)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.User)
	opts.SetPassword(config.Pass)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Second)
	opts.OnConnect = f.onConnect
	opts.OnConnectionLost = f.onConnectionLost
	f.client = mqtt.NewClient(opts)
	return f
}

// Config returns the broker configuration.
func (f *MQTTFeed) Config() MQTTConfig {
	return f.config
}

// Connect dials the broker, waiting at most until ctx ends.
func (f *MQTTFeed) Connect(ctx context.Context) error {
	token := f.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect %s: %w", f.config.Host, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mqtt connect %s: %w", f.config.Host, ctx.Err())
	}
}

// Close disconnects from the broker.
func (f *MQTTFeed) Close() {
	f.cancel()
	f.client.Disconnect(250)
}

type mqttSubscription struct {
	feed    *MQTTFeed
	kind    messages.EventKind
	handler Handler

	mu     sync.Mutex
	closed bool
}

func (s *mqttSubscription) run(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	fn()
}

// Unsubscribe implements Subscription.
func (s *mqttSubscription) Unsubscribe() {
	s.feed.remove(s)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Subscribe registers h for future events of kind.
func (f *MQTTFeed) Subscribe(kind messages.EventKind, h Handler) (Subscription, error) {
	if h.OnEvent == nil {
		return nil, errors.New("subscribe: OnEvent is required")
	}
	sub := &mqttSubscription{feed: f, kind: kind, handler: h}

	f.mu.Lock()
	first := len(f.handles[kind]) == 0
	if f.handles[kind] == nil {
		f.handles[kind] = make(map[*mqttSubscription]struct{})
	}
	f.handles[kind][sub] = struct{}{}
	f.mu.Unlock()

	if first && f.client.IsConnectionOpen() {
		if err := f.subscribeTopic(f.config.EventTopic(kind), f.eventHandler(kind)); err != nil {
			f.remove(sub)
			return nil, err
		}
	}
	return sub, nil
}

func (f *MQTTFeed) remove(sub *mqttSubscription) {
	f.mu.Lock()
	delete(f.handles[sub.kind], sub)
	last := len(f.handles[sub.kind]) == 0
	f.mu.Unlock()

	if last && f.client.IsConnectionOpen() {
		topic := f.config.EventTopic(sub.kind)
		if token := f.client.Unsubscribe(topic); token.WaitTimeout(5*time.Second) && token.Error() != nil {
			logrus.Debugf("mqtt unsubscribe %s: %v", topic, token.Error())
		}
	}
}

// ForwardReceipts feeds every receipt published on the broker into receipts.
func (f *MQTTFeed) ForwardReceipts(receipts *utilities.Correlator[Receipt]) error {
	topic := f.config.ReceiptTopic()
	handler := func(client mqtt.Client, msg mqtt.Message) {
		var r Receipt
		if err := json.Unmarshal(msg.Payload(), &r); err != nil {
			logrus.Warnf("🧾 bad receipt on %s: %v", msg.Topic(), err)
			return
		}
		if r.Final() {
			receipts.Receive(r.TxID, r)
		}
	}
	f.mu.Lock()
	f.extra[topic] = handler
	f.mu.Unlock()
	if f.client.IsConnectionOpen() {
		return f.subscribeTopic(topic, handler)
	}
	return nil
}

// PublishEvent broadcasts e on its kind's topic.
func (f *MQTTFeed) PublishEvent(e messages.RawEvent) error {
	return f.publish(f.config.EventTopic(e.Kind), e)
}

// PublishReceipt broadcasts a settled transaction receipt.
func (f *MQTTFeed) PublishReceipt(r Receipt) error {
	return f.publish(f.config.ReceiptTopic(), r)
}

func (f *MQTTFeed) publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	token := f.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	return token.Error()
}

func (f *MQTTFeed) subscribeTopic(topic string, handler mqtt.MessageHandler) error {
	token := f.client.Subscribe(topic, 1, handler)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt subscribe %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	// A refused SUBACK is not a token error; the code is in the result.
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		if code, found := st.Result()[topic]; found && code >= 0x80 {
			return fmt.Errorf("mqtt subscribe %s: refused by broker (0x%02x)", topic, code)
		}
	}
	return nil
}

// eventHandler decodes broker messages for kind and fans them out. paho
// delivers messages for a topic in order on one goroutine.
func (f *MQTTFeed) eventHandler(kind messages.EventKind) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		var e messages.RawEvent
		if err := json.Unmarshal(msg.Payload(), &e); err != nil {
			logrus.Warnf("📭 bad event on %s: %v", msg.Topic(), err)
			return
		}
		if e.Kind != kind {
			logrus.Debugf("📭 %s event on %s topic, ignoring", e.Kind, kind)
			return
		}
		for _, sub := range f.subscribers(kind) {
			sub.run(func() { sub.handler.OnEvent(e) })
		}
	}
}

func (f *MQTTFeed) subscribers(kind messages.EventKind) []*mqttSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := make([]*mqttSubscription, 0, len(f.handles[kind]))
	for sub := range f.handles[kind] {
		subs = append(subs, sub)
	}
	return subs
}

func (f *MQTTFeed) allSubscribers() []*mqttSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	var subs []*mqttSubscription
	for _, byKind := range f.handles {
		for sub := range byKind {
			subs = append(subs, sub)
		}
	}
	return subs
}

// maxResubscribeBackoff caps the wait between attempts on a refused topic.
const maxResubscribeBackoff = 5 * time.Second

type resubscription struct {
	topic   string
	handler mqtt.MessageHandler
	kind    messages.EventKind
	event   bool // false for non-event topics such as receipts
}

func (f *MQTTFeed) onConnect(client mqtt.Client) {
	f.mu.Lock()
	restored := f.wasLost
	f.wasLost = false
	f.epoch++
	epoch := f.epoch
	pending := make([]resubscription, 0, len(f.handles)+len(f.extra))
	for kind, subs := range f.handles {
		if len(subs) > 0 {
			pending = append(pending, resubscription{topic: f.config.EventTopic(kind), handler: f.eventHandler(kind), kind: kind, event: true})
		}
	}
	for topic, handler := range f.extra {
		pending = append(pending, resubscription{topic: topic, handler: handler})
	}
	f.mu.Unlock()

	logrus.Printf("📡 connected to MQTT %s (%d topics)", f.config.Host, len(pending))

	// Subscribing blocks on the broker; never do that on paho's callback goroutine.
	for _, r := range pending {
		go f.resubscribe(epoch, r, restored)
	}
}

// connected reports whether epoch is still the live connection.
func (f *MQTTFeed) connected(epoch uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epoch == epoch && !f.wasLost
}

// resubscribe subscribes r.topic until the broker accepts it, the
// connection it belongs to is gone, or the feed closes. Handlers of r.kind
// hear OnRestored only after it succeeds.
func (f *MQTTFeed) resubscribe(epoch uint64, r resubscription, restored bool) {
	backoff := f.backoff
	for attempt := 1; ; attempt++ {
		if err := f.limiter.Wait(f.closeCtx); err != nil {
			return
		}
		if !f.connected(epoch) {
			return
		}
		if r.event && len(f.subscribers(r.kind)) == 0 {
			return
		}
		err := f.subscribeTopic(r.topic, r.handler)
		if err == nil {
			break
		}
		logrus.Warnf("📡 resubscribe attempt %d failed, retrying in %s: %v", attempt, backoff, err)
		select {
		case <-f.closeCtx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxResubscribeBackoff)
	}

	if !restored || !r.event || !f.connected(epoch) {
		return
	}
	logrus.Debugf("📡 %s resubscribed", r.topic)
	for _, sub := range f.subscribers(r.kind) {
		if sub.handler.OnRestored != nil {
			sub.run(sub.handler.OnRestored)
		}
	}
}

func (f *MQTTFeed) onConnectionLost(client mqtt.Client, err error) {
	logrus.Printf("📡 MQTT connection lost: %v", err)
	f.mu.Lock()
	f.wasLost = true
	f.mu.Unlock()

	lost := fmt.Errorf("%w: %v", ErrConnectionLost, err)
	for _, sub := range f.allSubscribers() {
		if sub.handler.OnLost != nil {
			sub.run(func() { sub.handler.OnLost(lost) })
		}
	}
}
