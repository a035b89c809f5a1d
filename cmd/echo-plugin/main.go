// Command echo-plugin serves the echo plugin out of process. Point a
// manifest with runtime "rpc" at the built binary.
package main

import (
	"os"

	"github.com/ncobase/guardrail/extension/plugin/rpc"
	"github.com/ncobase/guardrail/extension/security"
	"github.com/ncobase/guardrail/plugins/echo"
)

func main() {
	id := os.Getenv(security.EnvPluginID)
	if id == "" {
		id = "echo"
	}
	rpc.Serve(echo.New(id, nil))
}
