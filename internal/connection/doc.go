// Package connection implements the client side of the agent WebSocket link.
//
// Conn wraps a single socket. Manager owns at most one Conn at a time and:
//   - reconnects with exponential backoff after abnormal closes, up to a
//     bounded number of attempts
//   - fans decoded messages out to registered handlers in arrival order
//   - notifies state subscribers on every connect/disconnect transition
//   - sends periodic keepalive probes while open and swallows the replies
package connection
