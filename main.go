package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"proxishare/config"
	"proxishare/engine"
	"proxishare/events"
)

func main() {
	dataDir, err := config.ResolveDataDir()
	if err != nil {
		log.Fatalf("startup failed while resolving data directory: %v", err)
	}

	h, err := engine.Init(dataDir, 0, "")
	if err != nil {
		log.Fatalf("startup failed while initializing engine: %v", err)
	}
	defer func() {
		if err := h.Close(); err != nil {
			log.Printf("engine close error: %v", err)
		}
	}()

	fmt.Printf("Device ID:       %s\n", h.DeviceID())
	fmt.Printf("Device Name:     %s\n", h.DeviceName())
	fmt.Printf("Listening Port:  %d\n", h.ServicePort())
	fmt.Printf("Fingerprint:     %s\n", h.KeyFingerprint())
	fmt.Printf("Data Directory:  %s\n", dataDir)

	if err := h.StartDiscovery(); err != nil {
		log.Printf("discovery startup failed: %v", err)
	} else {
		fmt.Println("Discovery:       running")
	}

	sub := h.Subscribe()
	defer sub.Close()
	go logEvents(sub.Events())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func logEvents(stream <-chan events.Event) {
	for evt := range stream {
		log.Printf("event: %s payload=%+v", evt.Name, evt.Payload)
	}
}
