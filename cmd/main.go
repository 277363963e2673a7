package main

import (
	"flag"
	"fmt"
	"os"

	"lineagetrace/internal/app"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.Parse()

	if configFile == "" {
		if envConfigFile := os.Getenv("TRACEDEBUG_CONFIG_FILE"); envConfigFile != "" {
			configFile = envConfigFile
		} else {
			configFile = "/etc/tracedebug/config.yaml"
		}
	}

	fmt.Printf("Using configuration file: %s\n", configFile)

	application, err := app.New(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "application error: %v\n", err)
		os.Exit(1)
	}
}
