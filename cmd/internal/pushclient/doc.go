// Package pushclient is a reference client for the beacon push protocol.
//
// A Client dials the gateway, authenticates with the first frame, sends
// heartbeats, acknowledges envelopes that ask for a receipt and hands every
// new notification or system event to a Handler. Dropped connections are
// retried with exponential backoff until the attempt budget runs out.
package pushclient
