// hostpanel serves a host administration dashboard: one-shot commands with
// live output streaming, interactive terminals over WebSocket, and the same
// command runner exposed as MCP tools.
package main

import "os"

func main() {
	os.Exit(Execute())
}
