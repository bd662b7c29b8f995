package main

import (
	"context"
	"flag"
	"log"

	"github.com/schjonhaug/tapcustody/internal/app/bootstrap"
)

func main() {
	configPath := flag.String("config", "configs/default.yaml", "path to a yaml or toml config file")
	flag.Parse()

	ctx := context.Background()
	runtime, err := bootstrap.NewRuntime(ctx, *configPath)
	if err != nil {
		log.Fatalf("bootstrap worker runtime: %v", err)
	}
	if runtime.Config().Store == bootstrap.StoreMemory {
		log.Fatalf("run worker: the in-memory store is only reachable from custodyd")
	}
	if err := runtime.RunWorker(ctx); err != nil {
		log.Fatalf("run worker: %v", err)
	}
}
