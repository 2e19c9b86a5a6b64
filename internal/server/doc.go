// Package server implements the real-time side of the Nexus chat server.
//
// The Hub is the session registry: it tracks every live WebSocket session per
// user and pushes encoded events onto their send queues without blocking.
// Each Client runs a read pump, which feeds inbound frames to the frame
// router, and a write pump, which is the only writer on its connection.
// Server ties the registry to the chat service and exposes the push channel,
// the REST endpoints, health, and Prometheus metrics through a gorilla/mux
// router.
package server
