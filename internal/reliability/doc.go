// Package reliability guards host transports against a peer that has stopped accepting frames.
//
// The bridge never retries a call, so a dead broker or a crashed host process
// would otherwise cost every caller a full send timeout. The Breaker counts
// consecutive send failures and, past a threshold, fails sends immediately
// until a cool-down has passed and a probe send succeeds.
package reliability
