package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/pkg/runtime"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (default: discover conf.yaml)")
	flag.Parse()

	server, err := runtime.New(*configPath)
	if err != nil {
		fallback, _ := zap.NewProduction()
		defer fallback.Sync()
		fallback.Fatal("failed to start relay", zap.Error(err))
	}

	go func() {
		if err := server.Run(); err != nil {
			server.Logger().Error("http server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		server.Logger().Error("http server shutdown failed", zap.Error(err))
	}
}
