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
	"time"

	"github.com/joho/godotenv"

	"campaignd/internal/app"
)

func main() {
	var (
		cfgPath  string
		envPath  string
		seedPath string
	)
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file loaded before config")
	flag.StringVar(&cfgPath, "config", "", "path to config (json or yaml; default $CAMPAIGND_CONFIG or ./campaignd.yaml)")
	flag.StringVar(&seedPath, "import", "", "seed file (yaml) imported into the store before start")
	flag.Parse()

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Println("fatal env:", err)
			os.Exit(1)
		}
	}
	if cfgPath == "" {
		cfgPath = os.Getenv("CAMPAIGND_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = "./campaignd.yaml"
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if seedPath != "" {
		if _, err := a.Import(ctx, seedPath); err != nil {
			fmt.Println("fatal import:", err)
			os.Exit(1)
		}
	}
	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		os.Exit(1)
	}

	var reason app.StopReason
	select {
	case sig := <-sigs:
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			fmt.Println("fatal:", err)
		}
		os.Exit(1)
	}
}
