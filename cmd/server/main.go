package main

import (
	"flag"
	"fmt"
	"os"

	"go-messenger/internal/config"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (env vars override it)")
	flag.Parse()

	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		Module(cfg),
		fx.NopLogger,
	)
	app.Run()
}
