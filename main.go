package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/hbomb79/Relay/internal"
	"github.com/hbomb79/Relay/pkg/logger"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"
)

var log = logger.Get("Bootstrap")

const defaultConfigPath = "~/.config/relay/config.yaml"

// main is the entry point of the bot. The configuration is read from the
// YAML file provided (or the default location, if it exists), with the
// environment taking precedence.
func main() {
	flags := flag.NewFlagSet("relay", flag.ExitOnError)
	configPath := flags.String("config", "", fmt.Sprintf("path to the YAML configuration file (default %s)", defaultConfigPath))
	help := flags.Bool("help", false, "print the configuration options and exit")
	flags.Usage = cleanenv.FUsage(flags.Output(), &internal.RelayConfig{}, nil, flags.Usage)
	_ = flags.Parse(os.Args[1:])

	if *help {
		flags.Usage()
		return
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		log.Emit(logger.FATAL, "Failed to locate configuration: %v\n", err)
		os.Exit(1)
	}

	config, err := internal.LoadConfig(path)
	if err != nil {
		log.Emit(logger.FATAL, "%v\n", err)
		os.Exit(1)
	}

	if level, ok := logger.ParseLevel(config.LogLevel); ok {
		logger.SetMinLoggingLevel(level.Level())
	} else {
		log.Emit(logger.WARNING, "Unknown log level %q, ignoring\n", config.LogLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := internal.New(*config).Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Relay stopped with error: %v\n", err)
		cancel()
		os.Exit(1)
	}

	log.Emit(logger.STOP, "Relay stopped\n")
}

// resolveConfigPath returns the configuration file to read. An explicit
// path must exist; the default location is optional, in which case ""
// is returned and only the environment is read.
func resolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		return homedir.Expand(explicit)
	}

	path, err := homedir.Expand(defaultConfigPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}

	return path, nil
}
