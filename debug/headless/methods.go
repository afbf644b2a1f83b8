package headless

// RPCMethod is a method of Delve's JSON-RPC v2 server.
// Documentation: https://pkg.go.dev/github.com/go-delve/delve/service/rpc2
type RPCMethod string

const (
	RPCSetAPIVersion RPCMethod = "RPCServer.SetApiVersion"
	RPCCommand       RPCMethod = "RPCServer.Command"
	RPCState         RPCMethod = "RPCServer.State"
	RPCDetach        RPCMethod = "RPCServer.Detach"

	// Breakpoint methods
	RPCCreateBreakpoint RPCMethod = "RPCServer.CreateBreakpoint"
	RPCClearBreakpoint  RPCMethod = "RPCServer.ClearBreakpoint"

	// Goroutine methods
	RPCListGoroutines RPCMethod = "RPCServer.ListGoroutines" // https://pkg.go.dev/github.com/go-delve/delve/service/rpc2#RPCServer.ListGoroutines
)
