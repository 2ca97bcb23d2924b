package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	narrativecmd "github.com/louisbranch/taleloom/internal/cmd/narrative"
	"github.com/louisbranch/taleloom/internal/platform/config"
)

func main() {
	cfg, err := narrativecmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	log.SetPrefix("[NARRATIVE] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := narrativecmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
