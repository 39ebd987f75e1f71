package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	var (
		serverURL   = flag.String("server", "ws://localhost:8081/pile", "Pile gateway WebSocket URL")
		pileID      = flag.String("id", "A", "Pile ID, must match the station layout")
		mode        = flag.String("mode", "fast", "Charging mode: fast or trickle")
		powerKW     = flag.Float64("power", 30.0, "Rated power (kW)")
		progress    = flag.Duration("progress", 5*time.Second, "Progress report interval")
		speedup     = flag.Float64("speedup", 60.0, "Simulated charging speed multiplier (60 = one real minute delivers an hour of energy)")
		interactive = flag.Bool("interactive", false, "Enable interactive mode")
		verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logger, err := buildLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sim := NewSimulator(&SimulatorConfig{
		ServerURL:        *serverURL,
		PileID:           *pileID,
		Mode:             *mode,
		PowerKW:          *powerKW,
		ProgressInterval: *progress,
		Speedup:          *speedup,
	}, logger)

	if err := sim.Connect(); err != nil {
		logger.Fatal("Failed to connect to gateway", zap.Error(err))
	}

	if *interactive {
		// Ctrl+C still works while the prompt owns stdin.
		go func() {
			waitForSignal()
			sim.Stop()
			os.Exit(0)
		}()
		printCommands()
		sim.RunInteractive()
		sim.Stop()
		return
	}

	fmt.Printf("Charging pile simulator started\n")
	fmt.Printf("  ID:     %s\n", *pileID)
	fmt.Printf("  Mode:   %s (%.1f kW)\n", *mode, *powerKW)
	fmt.Printf("  Server: %s\n", *serverURL)
	fmt.Println("\nPress Ctrl+C to stop")

	waitForSignal()
	fmt.Println("\nShutting down simulator...")
	sim.Stop()
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func printCommands() {
	fmt.Println("\nCharging Pile Simulator - Interactive Mode")
	fmt.Println("==========================================")
	fmt.Println("Commands:")
	fmt.Println("  status                  - Show pile state")
	fmt.Println("  progress <kwh>          - Report delivered energy manually")
	fmt.Println("  complete                - Finish the open session now")
	fmt.Println("  heartbeat               - Send a heartbeat")
	fmt.Println("  report                  - Send a full status report")
	fmt.Println("  fault                   - Enter local fault state")
	fmt.Println("  recover                 - Clear local fault state")
	fmt.Println("  disconnect              - Drop the gateway connection")
	fmt.Println("  connect                 - Reconnect and re-register")
	fmt.Println("  quit                    - Exit simulator")
	fmt.Println("")
}
