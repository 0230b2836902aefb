package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default $CHATSYNC_HOME/config.toml)")
	serverFlag := flag.String("server", "", "websocket URL of the sync server (overrides config)")
	apiFlag := flag.String("api", "", "base URL of the REST backend (overrides config)")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = session.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		fail(err)
	}
	if *serverFlag != "" {
		cfg.ServerURL = *serverFlag
	}
	if *apiFlag != "" {
		cfg.APIURL = *apiFlag
	}

	sessionName := *sessionFlag
	if sessionName == "" {
		sessionName = cfg.DefaultSession
	}
	if sessionName == "" {
		sessionName = session.DefaultSessionName
	}
	if err := session.ValidateName(sessionName); err != nil {
		fail(err)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName, Config: cfg}),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
	)
	app.Run()
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "chatsyncd: %v\n", err)
	os.Exit(1)
}
