package types

import "time"

// Config is the enumerated configuration surface from §6. Parsing it out
// of a file or flag set is an external collaborator's job (§1); this
// struct is the pinned shape the rest of the module consumes.
type Config struct {
	LocalID  NodeID
	LocalIP  string
	LeaderIP string

	GMSPort  int
	RPCPort  int
	SSTPort  int
	BulkPort int

	MaxPayloadSize    int
	MaxSMCPayloadSize int
	BlockSize         int
	WindowSize        int
	TimeoutMs         int

	RDMCSendAlgorithm RDMCAlgorithm

	// Version is the protocol version this node advertises during join;
	// the leader admits it only if its major version matches the leader's
	// own (§4.8).
	Version string

	Logger Logger
}

// TimeoutDuration converts TimeoutMs into a time.Duration for use with
// the stability-frontier thread's ticker.
func (c Config) TimeoutDuration() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Endpoints extracts this node's own Endpoints from the config.
func (c Config) Endpoints() Endpoints {
	return Endpoints{
		Address:  c.LocalIP,
		GMSPort:  c.GMSPort,
		RPCPort:  c.RPCPort,
		SSTPort:  c.SSTPort,
		BulkPort: c.BulkPort,
	}
}
