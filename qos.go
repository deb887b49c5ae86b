package mqtt311

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrPacketIDExhausted = errors.New("no available packet IDs")
	ErrPacketIDNotFound  = errors.New("packet ID not found")
)

// PacketIDManager allocates packet identifiers (1-65535) from a monotonically
// increasing counter that wraps around and skips identifiers still in use.
type PacketIDManager struct {
	mu   sync.Mutex
	used map[uint16]struct{}
	next uint16
}

// NewPacketIDManager creates a new packet ID manager.
func NewPacketIDManager() *PacketIDManager {
	return &PacketIDManager{
		used: make(map[uint16]struct{}),
		next: 1,
	}
}

func (m *PacketIDManager) advance() {
	m.next++
	if m.next == 0 {
		m.next = 1
	}
}

// nextFree returns the next identifier not in use. Caller holds mu.
func (m *PacketIDManager) nextFree() (uint16, error) {
	if len(m.used) >= maxUint16 {
		return 0, ErrPacketIDExhausted
	}

	for {
		id := m.next
		m.advance()
		if _, ok := m.used[id]; !ok {
			return id, nil
		}
	}
}

// Allocate reserves and returns the next available packet ID.
func (m *PacketIDManager) Allocate() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.nextFree()
	if err != nil {
		return 0, err
	}
	m.used[id] = struct{}{}
	return id, nil
}

// Transient returns the next available packet ID without reserving it.
// It is used for message identifiers of QoS 0 publishes.
func (m *PacketIDManager) Transient() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.nextFree()
	if err != nil {
		// every id is reserved; QoS 0 ids carry no delivery meaning
		id = m.next
		m.advance()
	}
	return id
}

// Release releases a packet ID for reuse.
func (m *PacketIDManager) Release(id uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.used[id]; !ok {
		return ErrPacketIDNotFound
	}
	delete(m.used, id)
	return nil
}

// IsUsed returns true if the packet ID is currently in use.
func (m *PacketIDManager) IsUsed(id uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.used[id]
	return ok
}

// InUse returns the count of packet IDs currently in use.
func (m *PacketIDManager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.used)
}

// Reset releases every packet ID. The counter keeps its position.
func (m *PacketIDManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.used)
}

// ExchangeKind identifies what an in-flight exchange is waiting to complete.
type ExchangeKind int

const (
	ExchangePublish ExchangeKind = iota
	ExchangeSubscribe
	ExchangeUnsubscribe
)

// String returns the string representation of the exchange kind.
func (k ExchangeKind) String() string {
	switch k {
	case ExchangePublish:
		return "publish"
	case ExchangeSubscribe:
		return "subscribe"
	case ExchangeUnsubscribe:
		return "unsubscribe"
	default:
		return "unknown"
	}
}

// Stage is the handshake stage of an in-flight exchange.
type Stage int

const (
	StageQueued Stage = iota
	StageAwaitingPuback
	StageAwaitingPubrec
	StageAwaitingPubcomp
	StageAwaitingSuback
	StageAwaitingUnsuback
	StageDone
)

var stageNames = [...]string{
	StageQueued:           "queued",
	StageAwaitingPuback:   "awaiting-puback",
	StageAwaitingPubrec:   "awaiting-pubrec",
	StageAwaitingPubcomp:  "awaiting-pubcomp",
	StageAwaitingSuback:   "awaiting-suback",
	StageAwaitingUnsuback: "awaiting-unsuback",
	StageDone:             "done",
}

// String returns the string representation of the stage.
func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// InFlightMessage is one outbound exchange awaiting broker acknowledgment.
type InFlightMessage struct {
	ID    uint16
	Kind  ExchangeKind
	Stage Stage

	// Publish fields.
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool

	// Subscribe and unsubscribe fields.
	Subscriptions []Subscription
	TopicFilters  []string

	EnqueuedAt time.Time
	SentAt     time.Time
	RetryCount int
}

// Packet builds the packet to transmit for the current stage.
// dup marks a PUBLISH retransmission.
func (m *InFlightMessage) Packet(dup bool) Packet {
	switch m.Stage {
	case StageAwaitingPuback, StageAwaitingPubrec:
		return &PublishPacket{
			Topic:    m.Topic,
			Payload:  m.Payload,
			QoS:      m.QoS,
			Retain:   m.Retain,
			DUP:      dup,
			PacketID: m.ID,
		}
	case StageDone:
		if m.Kind != ExchangePublish || m.QoS != 0 {
			return nil
		}
		return &PublishPacket{
			Topic:   m.Topic,
			Payload: m.Payload,
			Retain:  m.Retain,
		}
	case StageAwaitingPubcomp:
		// PUBREL flags are fixed at 0x02, so a resend never carries DUP.
		return &PubrelPacket{PacketID: m.ID}
	case StageAwaitingSuback:
		return &SubscribePacket{PacketID: m.ID, Subscriptions: m.Subscriptions}
	case StageAwaitingUnsuback:
		return &UnsubscribePacket{PacketID: m.ID, TopicFilters: m.TopicFilters}
	default:
		return nil
	}
}

// DeliveryEngine tracks outbound exchanges through their acknowledgment
// handshakes, applies in-flight admission control and decides retransmissions.
// It also remembers inbound QoS 2 identifiers awaiting PUBREL.
//
// The engine is owned by a single Client and is not safe for concurrent use.
type DeliveryEngine struct {
	ids         *PacketIDManager
	flow        *FlowController
	outbound    map[uint16]*InFlightMessage
	order       []*InFlightMessage
	queue       []*InFlightMessage
	inbound     map[uint16]struct{}
	retryPeriod time.Duration
	now         func() time.Time
}

// NewDeliveryEngine creates an engine with the given in-flight maximum
// (0 = unlimited) and retransmission period.
func NewDeliveryEngine(maxInFlight int, retryPeriod time.Duration) *DeliveryEngine {
	return &DeliveryEngine{
		ids:         NewPacketIDManager(),
		flow:        NewFlowController(maxInFlight),
		outbound:    make(map[uint16]*InFlightMessage),
		inbound:     make(map[uint16]struct{}),
		retryPeriod: retryPeriod,
		now:         time.Now,
	}
}

// SetMaxInFlight changes the admission limit. Queued messages are admitted on the next Admit.
func (e *DeliveryEngine) SetMaxInFlight(n int) {
	e.flow.SetMaximum(n)
}

// SetRetryPeriod changes the retransmission period.
func (e *DeliveryEngine) SetRetryPeriod(d time.Duration) {
	e.retryPeriod = d
}

// Publish registers a publish and returns its exchange.
//
// QoS 0 publishes get a transient identifier and are never tracked. For
// QoS 1/2, send is false when the in-flight window is full and the message
// was queued instead.
func (e *DeliveryEngine) Publish(topic string, payload []byte, qos byte, retain bool) (*InFlightMessage, bool, error) {
	now := e.now()
	msg := &InFlightMessage{
		Kind:       ExchangePublish,
		Topic:      topic,
		Payload:    payload,
		QoS:        qos,
		Retain:     retain,
		EnqueuedAt: now,
	}

	if qos == 0 {
		msg.ID = e.ids.Transient()
		msg.Stage = StageDone
		return msg, true, nil
	}

	id, err := e.ids.Allocate()
	if err != nil {
		return nil, false, err
	}
	msg.ID = id
	e.outbound[id] = msg

	if len(e.queue) > 0 || !e.flow.TryAcquire() {
		msg.Stage = StageQueued
		e.queue = append(e.queue, msg)
		return msg, false, nil
	}

	e.markSent(msg, now)
	return msg, true, nil
}

// Subscribe registers a SUBSCRIBE exchange. Subscriptions are not subject to admission control.
func (e *DeliveryEngine) Subscribe(subs []Subscription) (*InFlightMessage, error) {
	id, err := e.ids.Allocate()
	if err != nil {
		return nil, err
	}

	now := e.now()
	msg := &InFlightMessage{
		ID:            id,
		Kind:          ExchangeSubscribe,
		Stage:         StageAwaitingSuback,
		Subscriptions: subs,
		EnqueuedAt:    now,
		SentAt:        now,
	}
	e.outbound[id] = msg
	e.order = append(e.order, msg)
	return msg, nil
}

// Unsubscribe registers an UNSUBSCRIBE exchange.
func (e *DeliveryEngine) Unsubscribe(filters []string) (*InFlightMessage, error) {
	id, err := e.ids.Allocate()
	if err != nil {
		return nil, err
	}

	now := e.now()
	msg := &InFlightMessage{
		ID:           id,
		Kind:         ExchangeUnsubscribe,
		Stage:        StageAwaitingUnsuback,
		TopicFilters: filters,
		EnqueuedAt:   now,
		SentAt:       now,
	}
	e.outbound[id] = msg
	e.order = append(e.order, msg)
	return msg, nil
}

func (e *DeliveryEngine) markSent(msg *InFlightMessage, now time.Time) {
	if msg.QoS == 1 {
		msg.Stage = StageAwaitingPuback
	} else {
		msg.Stage = StageAwaitingPubrec
	}
	msg.SentAt = now
	e.order = append(e.order, msg)
}

// Admit moves queued publishes into flight while slots are free, in FIFO order.
// The returned messages must be transmitted by the caller.
func (e *DeliveryEngine) Admit() []*InFlightMessage {
	var admitted []*InFlightMessage
	now := e.now()

	for len(e.queue) > 0 && e.flow.TryAcquire() {
		msg := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.markSent(msg, now)
		admitted = append(admitted, msg)
	}

	return admitted
}

func (e *DeliveryEngine) lookup(id uint16, stage Stage) (*InFlightMessage, bool) {
	msg, ok := e.outbound[id]
	if !ok || msg.Stage != stage {
		return nil, false
	}
	return msg, true
}

func (e *DeliveryEngine) complete(msg *InFlightMessage) {
	msg.Stage = StageDone
	delete(e.outbound, msg.ID)
	_ = e.ids.Release(msg.ID)

	for i, m := range e.order {
		if m == msg {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}

	if msg.Kind == ExchangePublish {
		e.flow.Release()
	}
}

// HandlePuback completes a QoS 1 publish. A PUBACK for an unknown identifier is ignored.
func (e *DeliveryEngine) HandlePuback(id uint16) (*InFlightMessage, bool) {
	msg, ok := e.lookup(id, StageAwaitingPuback)
	if !ok {
		return nil, false
	}
	e.complete(msg)
	return msg, true
}

// HandlePubrec advances a QoS 2 publish to the PUBREL stage. It also returns
// true for a repeated PUBREC so the caller resends PUBREL.
func (e *DeliveryEngine) HandlePubrec(id uint16) (*InFlightMessage, bool) {
	msg, ok := e.outbound[id]
	if !ok || msg.Kind != ExchangePublish {
		return nil, false
	}

	switch msg.Stage {
	case StageAwaitingPubrec:
		msg.Stage = StageAwaitingPubcomp
		msg.SentAt = e.now()
		return msg, true
	case StageAwaitingPubcomp:
		return msg, true
	default:
		return nil, false
	}
}

// HandlePubcomp completes a QoS 2 publish. A PUBCOMP after completion is a no-op.
func (e *DeliveryEngine) HandlePubcomp(id uint16) (*InFlightMessage, bool) {
	msg, ok := e.lookup(id, StageAwaitingPubcomp)
	if !ok {
		return nil, false
	}
	e.complete(msg)
	return msg, true
}

// HandleSuback completes a SUBSCRIBE exchange.
func (e *DeliveryEngine) HandleSuback(id uint16) (*InFlightMessage, bool) {
	msg, ok := e.lookup(id, StageAwaitingSuback)
	if !ok {
		return nil, false
	}
	e.complete(msg)
	return msg, true
}

// HandleUnsuback completes an UNSUBSCRIBE exchange.
func (e *DeliveryEngine) HandleUnsuback(id uint16) (*InFlightMessage, bool) {
	msg, ok := e.lookup(id, StageAwaitingUnsuback)
	if !ok {
		return nil, false
	}
	e.complete(msg)
	return msg, true
}

// DueRetries returns exchanges unacknowledged for at least the retry period,
// in original send order, and restarts their retry timers.
// A non-positive retry period disables retransmission.
func (e *DeliveryEngine) DueRetries() []*InFlightMessage {
	if e.retryPeriod <= 0 {
		return nil
	}

	now := e.now()
	var due []*InFlightMessage
	for _, msg := range e.order {
		if now.Sub(msg.SentAt) >= e.retryPeriod {
			msg.RetryCount++
			msg.SentAt = now
			due = append(due, msg)
		}
	}
	return due
}

// NextRetry returns how long until the earliest retransmission is due.
// ok is false when nothing is awaiting acknowledgment.
func (e *DeliveryEngine) NextRetry() (time.Duration, bool) {
	if e.retryPeriod <= 0 || len(e.order) == 0 {
		return 0, false
	}

	now := e.now()
	earliest := e.retryPeriod
	for _, msg := range e.order {
		if wait := e.retryPeriod - now.Sub(msg.SentAt); wait < earliest {
			earliest = wait
		}
	}
	if earliest < 0 {
		earliest = 0
	}
	return earliest, true
}

// Resume prepares the session for a reconnect that kept broker state.
// Subscribe and unsubscribe exchanges are abandoned; unacknowledged publishes
// are returned at their last stage, in send order, for retransmission.
func (e *DeliveryEngine) Resume() []*InFlightMessage {
	now := e.now()
	var resend []*InFlightMessage

	for _, msg := range append([]*InFlightMessage(nil), e.order...) {
		if msg.Kind != ExchangePublish {
			e.complete(msg)
			continue
		}
		msg.SentAt = now
		resend = append(resend, msg)
	}

	return resend
}

// Reset discards all outbound and inbound state and returns the number of
// exchanges dropped.
func (e *DeliveryEngine) Reset() int {
	dropped := len(e.outbound)

	clear(e.outbound)
	clear(e.inbound)
	e.order = nil
	e.queue = nil
	e.ids.Reset()
	e.flow.Reset()

	return dropped
}

// ReceiveQoS2 records an inbound QoS 2 identifier. It returns false if the
// identifier is already awaiting PUBREL, meaning the PUBLISH is a duplicate.
func (e *DeliveryEngine) ReceiveQoS2(id uint16) bool {
	if _, ok := e.inbound[id]; ok {
		return false
	}
	e.inbound[id] = struct{}{}
	return true
}

// ReleaseQoS2 forgets an inbound QoS 2 identifier after PUBREL.
func (e *DeliveryEngine) ReleaseQoS2(id uint16) {
	delete(e.inbound, id)
}

// Get returns the outbound exchange with the given identifier.
func (e *DeliveryEngine) Get(id uint16) (*InFlightMessage, bool) {
	msg, ok := e.outbound[id]
	return msg, ok
}

// InFlight returns the number of QoS 1/2 publishes sent and not yet acknowledged.
func (e *DeliveryEngine) InFlight() int {
	return e.flow.InFlight()
}

// Queued returns the number of publishes waiting for an in-flight slot.
func (e *DeliveryEngine) Queued() int {
	return len(e.queue)
}

// Pending returns the number of outbound exchanges, queued ones included.
func (e *DeliveryEngine) Pending() int {
	return len(e.outbound)
}
