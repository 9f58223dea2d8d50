// Command auditctl starts and inspects storage consistency audits on a
// Torua coordinator.
package main

import "github.com/dreamware/torua-audit/internal/cli"

func main() {
	cli.Execute()
}
