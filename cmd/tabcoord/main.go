// Command tabcoord runs the multi-tab workflow-editor coordinator: one
// process per origin, shared by every browser tab open against that
// origin's node-types/workflow/execution state.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/lyzr/tabcoord/internal/bootstrap"
	"github.com/lyzr/tabcoord/internal/httpapi"
	"github.com/lyzr/tabcoord/internal/httpserver"
)

func main() {
	ctx := context.Background()

	components, err := bootstrap.Setup(ctx, "tabcoord")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap tabcoord: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	e := httpapi.New(components)

	srv := httpserver.New("tabcoord", components.Config.Service.Port, e, components.Logger)
	if err := srv.Run(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
