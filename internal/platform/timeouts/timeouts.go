// Package timeouts defines shared timeout constants used across services.
package timeouts

import "time"

// AgentCall caps a single reasoning agent invocation.
const AgentCall = 30 * time.Second

// DirectorPass caps one full director planning pass.
const DirectorPass = 90 * time.Second

// Flush limits how long a session waits to persist memory and ledger state.
const Flush = 5 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second
