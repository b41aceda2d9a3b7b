package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/pipebridge/internal/config"
	"github.com/matheus3301/pipebridge/internal/daemon"
	"github.com/matheus3301/pipebridge/internal/instance"
	"go.uber.org/fx"
)

func main() {
	instanceFlag := flag.String("instance", "", "instance name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.pipebridge/config.toml)")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = instance.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	name := instance.Resolve(*instanceFlag, cfg.DefaultInstance)
	if err := instance.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Instance: name, ConfigPath: configPath}),
	)

	app.Run()
}
