// Package contracts provides the wire types exchanged between the bridge and the native host.
//
// This package defines the frames that cross the host boundary:
//   - Envelope: One outbound call, carrying a bridge-assigned id, an operation name and an opaque payload
//   - Completion: One inbound answer, either a result or an error reason for a previously sent id
//   - HostError: The error a caller receives when the host reports a failure
//
// Payloads and results are kept as raw JSON. The bridge never looks inside them.
package contracts
