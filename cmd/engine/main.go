package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/forgepipe/enginecore/internal/app"
	"github.com/forgepipe/enginecore/internal/platform/config"
)

func envTrue(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to initialize engine: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	runWorker := envTrue("RUN_WORKER", true)
	runServer := envTrue("RUN_SERVER", true)

	a.Start(runWorker)

	if runServer {
		port := config.GetEnv("PORT", a.Cfg.HTTPPort, a.Log)
		fmt.Printf("engine server listening on :%s\n", port)
		if err := a.Run(":" + port); err != nil {
			a.Log.Warn("server failed", "error", err)
		}
		return
	}

	select {}
}
