package mqrpc

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pgillich/textrpc/internal/logger"
)

// Keeper publishes an empty transient message to the default exchange with an
// empty routing key every half heartbeat interval. The broker drops it; the
// traffic keeps idle-timeout middleboxes from cutting the connection.
type Keeper struct {
	cm       *ConnManager
	interval time.Duration
	status   *Status
	log      logr.Logger

	ch         Channel
	generation uint64
}

func NewKeeper(cm *ConnManager, heartbeat time.Duration, status *Status, log logr.Logger) *Keeper {
	interval := heartbeat / 2
	if interval <= 0 {
		interval = DefaultHeartbeat / 2
	}

	return &Keeper{
		cm:       cm,
		interval: interval,
		status:   status,
		log:      log,
	}
}

// Run loops until the connection manager is closed or ctx is done. Errors are recorded, never returned.
// A closed connection observed here is reopened through ConnManager.Reconnect.
func (k *Keeper) Run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	defer k.dropChannel()

	for !k.cm.Closed() {
		if err := k.Beat(ctx); err != nil {
			k.status.RecordError(err)
			k.log.Error(err, "Heartbeat failed")
		}
		if !k.cm.IsOpen() && !k.cm.Closed() {
			if err := k.cm.Reconnect(ctx); err != nil {
				k.log.V(1).Info("Heartbeat reconnect stopped", logger.KeyError, logger.ErrString(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Beat publishes one keep-alive message if the connection is open.
func (k *Keeper) Beat(ctx context.Context) error {
	if !k.cm.IsOpen() {
		return nil
	}
	ch, generation, err := k.channel()
	if err != nil {
		return wrapKind(ErrPublish, err)
	}
	err = ch.PublishWithContext(ctx, "", "", false, false, amqp.Publishing{
		DeliveryMode: amqp.Transient,
	})
	if err != nil {
		k.dropChannel()
		k.cm.MarkDisconnected(generation, err)

		return wrapKind(ErrPublish, err)
	}

	return nil
}

// channel returns the keep-alive channel, reopening it after a reconnect.
func (k *Keeper) channel() (Channel, uint64, error) {
	if k.ch != nil && k.generation == k.cm.Generation() {
		return k.ch, k.generation, nil
	}
	k.dropChannel()
	ch, generation, err := k.cm.NewChannel()
	if err != nil {
		return nil, generation, err
	}
	k.ch, k.generation = ch, generation

	return ch, generation, nil
}

func (k *Keeper) dropChannel() {
	if k.ch != nil {
		k.ch.Close() //nolint:errcheck,gosec // connection may be gone already
	}
	k.ch = nil
}
