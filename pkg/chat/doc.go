// Package chat runs user messages through the turn runner against stored
// sessions. It is the single entry point used by the CLI and the gateway.
package chat
