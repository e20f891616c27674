package notify

import (
	"context"
	"errors"
	"fmt"

	"firestige.xyz/srte/internal/eventbus"
	"firestige.xyz/srte/internal/log"
	"firestige.xyz/srte/internal/metrics"
)

const offerTopic = "path_offer"

// OfferSender sends one offer.
type OfferSender interface {
	Send(ctx context.Context, o Offer) error
}

// Dispatcher moves offers off the interception path onto bus partitions
// keyed by flow, so that offers for one flow leave in order while different
// flows are sent in parallel.
type Dispatcher struct {
	bus    eventbus.EventBus
	sender OfferSender
	logger log.Logger
}

// NewDispatcher subscribes sender to offers published on bus.
func NewDispatcher(bus eventbus.EventBus, sender OfferSender, logger log.Logger) (*Dispatcher, error) {
	d := &Dispatcher{bus: bus, sender: sender, logger: logger.WithField("component", "dispatcher")}
	if err := bus.Subscribe(offerTopic, d.handle); err != nil {
		return nil, err
	}
	return d, nil
}

// Dispatch queues o without blocking. A full partition drops the offer.
func (d *Dispatcher) Dispatch(o Offer) error {
	err := d.bus.Publish(&eventbus.Event{Topic: offerTopic, Key: o.Key(), Payload: o})
	if errors.Is(err, eventbus.ErrQueueFull) {
		metrics.DispatchDropsTotal.Inc()
	}
	return err
}

// Close drains queued offers and stops the bus.
func (d *Dispatcher) Close() error {
	return d.bus.Close()
}

func (d *Dispatcher) handle(e *eventbus.Event) error {
	o, ok := e.Payload.(Offer)
	if !ok {
		return fmt.Errorf("unexpected payload %T", e.Payload)
	}
	return d.sender.Send(context.Background(), o)
}
