package mqrpc

import (
	"emperror.dev/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pgillich/textrpc/internal/logger"
)

var errDeliveriesClosed = errors.NewPlain("reply deliveries closed")

// listen consumes the reply queue of the current session and resolves the pending slots.
// After a consume fault it reconnects and resumes on the new session.
func (r *Requester) listen() {
	defer r.wg.Done()

	for r.ctx.Err() == nil && !r.cm.Closed() {
		session := r.currentSession()
		if session == nil || session.generation != r.cm.Generation() || !r.cm.IsOpen() {
			if err := r.cm.Reconnect(r.ctx); err != nil {
				r.log.V(1).Info("Listener stopped reconnecting", logger.KeyError, logger.ErrString(err))

				return
			}

			continue
		}

		for delivery := range session.deliveries {
			r.onReply(delivery)
		}

		if r.ctx.Err() != nil || r.cm.Closed() {
			return
		}
		err := wrapKind(ErrConsume, errDeliveriesClosed)
		r.status.RecordError(err)
		r.log.Error(err, "Reply consumer stopped", "generation", session.generation)
		r.cm.MarkDisconnected(session.generation, err)
		r.dropSession(session)
	}
}

func (r *Requester) onReply(delivery amqp.Delivery) {
	if r.table.Resolve(delivery.CorrelationId, string(delivery.Body)) {
		r.status.RecordProcessed()
		r.log.V(1).Info("Reply received", logger.KeyCorrelationID, delivery.CorrelationId)

		return
	}
	r.status.RecordDropped()
	r.log.Info("Reply dropped, no waiting request", logger.KeyCorrelationID, delivery.CorrelationId)
}

func (r *Requester) currentSession() *replySession {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.session
}

func (r *Requester) dropSession(session *replySession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == session {
		r.session = nil
	}
}
