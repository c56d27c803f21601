/*
Package mqrpc implements request/reply RPC over an AMQP 0-9-1 broker (RabbitMQ).

A Requester publishes a command to the shared command queue with a fresh
correlation id and the name of its private, exclusive reply queue. A Responder
consumes the command queue with a prefetch of 1, computes the reply and
publishes it to the reply queue with the same correlation id. The Requester's
response listener hands the reply to the waiting caller through a Table.

Both sides own a ConnManager which reconnects forever after a transport fault,
and optionally a Keeper that publishes empty keep-alive messages.

Every command is acknowledged once a reply was attempted, including malformed
commands and commands whose processing panicked. Such failures are not
redelivered; the caller sees either an "ERROR:" reply text or a timeout.
*/
package mqrpc
