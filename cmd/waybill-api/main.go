package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}

	app := mustBootstrapWayBillAPI(cfgPath)
	defer app.Close()

	if err := app.Run(); err != nil && err != context.Canceled {
		panic(fmt.Sprintf("waybill-api stopped: %v", err))
	}
}
