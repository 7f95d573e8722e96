// Package rabbitmq provides the AMQP plumbing behind the host transports.
//
// This package includes:
//   - ConnectionManager: Owns the broker connection and reconnects with backoff
//   - Publisher: Publishes frames on a confirm-mode channel that is reopened when it dies
//   - Consumer: Runs one delivery loop per queue and acknowledges by handler outcome
//   - DeclareQueue: Declares the host and completion queues
package rabbitmq
