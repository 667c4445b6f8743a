package beacon

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/r3labs/sse/v2"
	"github.com/sirupsen/logrus"
)

// HeadEvent represents a head event from the beacon node.
type HeadEvent struct {
	Slot            phase0.Slot
	Block           phase0.Root
	State           phase0.Root
	EpochTransition bool
	ReceivedAt      time.Time
}

// headEventJSON is used for JSON unmarshaling of head events.
type headEventJSON struct {
	Slot            string `json:"slot"`
	Block           string `json:"block"`
	State           string `json:"state"`
	EpochTransition bool   `json:"epoch_transition"`
}

// HeadStream subscribes to the beacon node's head topic and forwards each
// head as a HeadEvent.
type HeadStream struct {
	baseURL    string
	events     chan *HeadEvent
	retryDelay time.Duration
	cancelFunc context.CancelFunc
	running    bool
	mu         sync.Mutex
	wg         sync.WaitGroup
	log        logrus.FieldLogger
}

// NewHeadStream creates a head stream for the beacon node at baseURL.
func NewHeadStream(baseURL string, log logrus.FieldLogger) *HeadStream {
	return &HeadStream{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		events:     make(chan *HeadEvent, 16),
		retryDelay: 5 * time.Second,
		log:        log.WithField("component", "head-stream"),
	}
}

// Start begins listening to head events.
func (h *HeadStream) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return nil
	}

	streamCtx, cancel := context.WithCancel(ctx)
	h.cancelFunc = cancel
	h.running = true

	h.wg.Add(1)

	go h.run(streamCtx)

	return nil
}

// Stop stops the head stream.
func (h *HeadStream) Stop() {
	h.mu.Lock()
	if h.cancelFunc != nil {
		h.cancelFunc()
		h.cancelFunc = nil
	}

	h.running = false
	h.mu.Unlock()

	h.wg.Wait()
}

// Events returns the channel head events are delivered on.
func (h *HeadStream) Events() <-chan *HeadEvent {
	return h.events
}

// run keeps a subscription open until ctx is cancelled.
func (h *HeadStream) run(ctx context.Context) {
	defer h.wg.Done()

	eventsURL := fmt.Sprintf("%s/eth/v1/events?topics=head", h.baseURL)
	log := h.log.WithField("url", eventsURL)

	for {
		client := sse.NewClient(eventsURL)

		log.Info("Subscribing to head events")

		err := client.SubscribeRawWithContext(ctx, func(msg *sse.Event) {
			h.handleMessage(ctx, msg)
		})

		select {
		case <-ctx.Done():
			return
		default:
		}

		if err != nil {
			log.WithError(err).Warn("Head event stream error, reconnecting...")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(h.retryDelay):
		}
	}
}

// handleMessage parses a single SSE message and forwards it.
func (h *HeadStream) handleMessage(ctx context.Context, msg *sse.Event) {
	if len(msg.Data) == 0 {
		return
	}

	if len(msg.Event) > 0 && string(msg.Event) != "head" {
		h.log.WithField("event_type", string(msg.Event)).Debug("Unknown event type")
		return
	}

	var raw headEventJSON
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		h.log.WithError(err).WithField("data", string(msg.Data)).Warn("Failed to parse head event JSON")
		return
	}

	event, err := parseHeadEvent(&raw)
	if err != nil {
		h.log.WithError(err).WithField("data", string(msg.Data)).Warn("Failed to convert head event")
		return
	}

	event.ReceivedAt = time.Now()

	select {
	case h.events <- event:
	case <-ctx.Done():
	}
}

// parseHeadEvent converts a raw JSON head event to the typed HeadEvent.
func parseHeadEvent(raw *headEventJSON) (*HeadEvent, error) {
	slot, err := strconv.ParseUint(raw.Slot, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid slot: %w", err)
	}

	block, err := parseRoot(raw.Block)
	if err != nil {
		return nil, fmt.Errorf("invalid block: %w", err)
	}

	state, err := parseRoot(raw.State)
	if err != nil {
		return nil, fmt.Errorf("invalid state: %w", err)
	}

	return &HeadEvent{
		Slot:            phase0.Slot(slot),
		Block:           block,
		State:           state,
		EpochTransition: raw.EpochTransition,
	}, nil
}

// parseRoot parses a hex string (with 0x prefix) into a phase0.Root.
func parseRoot(s string) (phase0.Root, error) {
	var root phase0.Root

	s = strings.TrimPrefix(s, "0x")

	b, err := hex.DecodeString(s)
	if err != nil {
		return root, err
	}

	if len(b) != 32 {
		return root, fmt.Errorf("invalid root length: got %d, want 32", len(b))
	}

	copy(root[:], b)

	return root, nil
}
