// Package qmqp defines the narrow boundary to the QMQP relay used for
// cron-result email notification; the relay client itself is an
// external line-protocol program invoked with pre-formatted payloads.
// No wire implementation ships here.
package qmqp

import "context"

// Envelope is a fully-formed email ready to submit to the relay.
type Envelope struct {
	From    string
	To      string
	Subject string
	Headers map[string]string
	Body    string
}

// Relay submits one envelope to the configured QMQP relay.
type Relay interface {
	Send(ctx context.Context, env Envelope) error
}
