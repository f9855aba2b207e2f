// Command farm-child is a standalone worker binary for the process backend.
// Point FARM_CHILD_BINARY at it to keep worker processes smaller than the
// coordinator, or build a copy that links additional modules.
package main

import (
	"github.com/seantiz/workerfarm/internal/child"
	_ "github.com/seantiz/workerfarm/internal/fixtures"
)

func main() {
	child.Main()
}
