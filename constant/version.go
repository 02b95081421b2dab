package constant

// Version is the resolver's release version, stamped into build metadata
// and sent as the Relay client's User-Agent.
var Version = "dev"
