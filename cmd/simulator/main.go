package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/P0W/option-strategies/internal/simulator"
)

func main() {
	var (
		addr     string
		interval time.Duration
	)
	flag.StringVar(&addr, "addr", "localhost:8765", "Listen address for the websocket feed")
	flag.DurationVar(&interval, "interval", time.Second, "Tick generation interval")
	flag.Parse()

	logger := log.New(os.Stdout, "[SIM] ", log.LstdFlags)
	server := simulator.NewServer(logger, simulator.Config{
		Addr:         addr,
		TickInterval: interval,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutting down simulator...")
		if err := server.Shutdown(); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil {
		logger.Fatalf("simulator error: %v", err)
	}
}
