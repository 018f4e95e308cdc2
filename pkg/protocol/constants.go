package protocol

// Directory and file name constants used throughout deaddrop.
const (
	// HomeDir is the user-level state directory (e.g., ~/.deaddrop).
	HomeDir = ".deaddrop"

	// Agent package metadata files, generated by the package's install step.
	AgentMetadataFile    = "agent.json"
	CommandsMetadataFile = "commands.json"
	ProtocolMetadataFile = "protocols.json"

	// DefaultProtocol is the transport used when an endpoint names none.
	DefaultProtocol = "package"
)
