package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"observatory/alpaca"
	"observatory/pkg/logging"
	"observatory/pkg/simulator"
)

func run(c *cli.Context) error {
	opts := logging.DefaultOptions
	opts.Debug = c.Bool("debug")
	opts.File = c.String("log-file")
	closer := logging.Setup(log.StandardLogger(), opts)
	defer closer.Close()

	log.Info("Observatory Alpaca Simulator")

	sim := simulator.NewObservatory(log.WithField("component", "simulator"))
	sim.SetMotionPolls(c.Int("motion-polls"))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", c.Int("port")),
		Handler: sim.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Debugf("Server started on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Could not listen on %s: %v", srv.Addr, err)
			stop()
		}
	}()

	dr := alpaca.NewDiscoveryResponder("0.0.0.0", alpaca.DiscoveryPort, c.Int("port"), log.WithField("component", "discovery"))

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dr.Run(ctx); err != nil {
			log.Errorf("Discovery responder failed: %v", err)
		}
		log.Debug("Discovery responder stopped")
	}()

	<-ctx.Done()

	log.Info("Shutting down server...")

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx2); err != nil {
		return fmt.Errorf("server forced to shutdown: %v", err)
	}

	wg.Wait()
	log.Info("Server stopped")
	return nil
}

func main() {
	app := cli.App{
		Name:  "observatory-sim",
		Usage: "Alpaca bridge serving a simulated observatory",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				EnvVars: []string{"DEBUG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				Value:   11111,
				EnvVars: []string{"ALPACA_PORT"},
			},
			&cli.IntFlag{
				Name:  "motion-polls",
				Usage: "Number of status reads a simulated motion stays busy for",
				Value: 3,
			},
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   "Also write logs to this rotated file",
				EnvVars: []string{"OBSERVATORY_LOG_FILE"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
