// Command packd collects procurement security evidence from GitHub and
// Microsoft Entra ID and builds signed evidence packs.
//
// Usage:
//
//	packd serve                      run the HTTP API
//	packd collect --account ACCOUNT  run one evidence collection
//	packd export --account ACCOUNT   build a pack from the latest run
//	packd verify --account ACCOUNT ID
//	packd token --account ACCOUNT    issue an API session token
package main

func main() {
	Execute()
}
