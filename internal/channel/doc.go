// Package channel keeps a bounded pool of persistent chat connections to an
// external conversational application.
//
// Each connection is bound to a routing key, usually the root of a
// multi-turn conversation, so every turn of that conversation reaches the
// application over the same session. At most MaxConnections are live at
// once. Callers that find the pool full wait until a connection is released
// or evicted for idleness.
//
// Connections are established in three steps: obtain an access token from
// the [Authorizer], dial the chat endpoint with that token, and announce the
// session with a ChatOpen event. [Conn.Send] then exchanges one user turn for
// one bot reply.
package channel
