// Command mcpfrontd runs the MCP aggregating gateway: it loads config.toml,
// starts a transport for each configured upstream provider, merges their
// tool catalogs into one canonical namespace, and serves tools/call
// dispatch and script execution until interrupted.
package main

func main() {
	Execute()
}
