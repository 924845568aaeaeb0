// Package api exposes the HTTP surface of the gate: the public ad page and
// completion endpoint, the Telegram webhook, and the admin API.
//
// Handlers translate HTTP requests into calls on the record store, the ad
// session broker, and the chat-flow dispatcher. They never touch the Bot API
// directly; updates are handed to the dispatcher and processed on its worker.
package api
