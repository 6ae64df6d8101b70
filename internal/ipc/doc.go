// Package ipc is the host-local message transport between the agent and its
// helper processes.
//
// A Server owns one Selector and one accept loop. Each named endpoint is a
// Listener registered for accept readiness; each accepted connection gets a
// ClientHandler that pairs a MessageReader and a MessageWriter over a
// non-blocking Channel. Completed messages are handed to a worker Executor
// so application code never runs on the accept loop.
//
// Frames on the wire are a 4-byte big-endian payload length followed by the
// payload. The concrete OS primitive (loopback TCP or a local pipe) is
// supplied by a Backend; nothing in this package branches on which one is
// active.
package ipc
