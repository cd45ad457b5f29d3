package server

import "time"

const (
	writeWait = 10 * time.Second

	// Queue tuning.
	lobbyCapacity      = 4
	latencyTolerance   = 100 // ms between a band's first member and the rest
	pingSampleLimit    = 5
	unknownLatency     = -1
	heartbeatTimeout   = 30 * time.Second
	queueSweepInterval = 10 * time.Second

	// Gameplay packet rate cap per connection; anything above it is shed as
	// malformed input, not logged as a cheating signal.
	packetRatePerSecond = 60
	packetBurst         = 120
)
