package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"observatory/alpaca"
	"observatory/pkg/console"
	"observatory/pkg/metadata"
	"observatory/templates"
)

// withApp runs fn with a wired observatory, cancelled on SIGINT or SIGTERM.
func withApp(fn func(ctx context.Context, a *app) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		a, err := newApp(c)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return fn(ctx, a)
	}
}

// connected connects every device before running fn.
func connected(fn func(ctx context.Context, a *app) error) cli.ActionFunc {
	return withApp(func(ctx context.Context, a *app) error {
		if err := a.obs.ConnectAll(ctx); err != nil {
			return fmt.Errorf("failed to connect devices: %w", err)
		}
		return fn(ctx, a)
	})
}

func discover(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}
	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	target := fmt.Sprintf("%s:%d", c.String("address"), alpaca.DiscoveryPort)
	bridges, err := alpaca.Discover(ctx, target, log.WithField("component", "discovery"))
	if err != nil {
		return err
	}
	if len(bridges) == 0 {
		fmt.Println("No Alpaca bridge found")
		return nil
	}

	for _, b := range bridges {
		fmt.Println(b.URL())
		client, err := alpaca.NewClient(b.URL(), log.StandardLogger())
		if err != nil {
			continue
		}
		devices, err := client.ConfiguredDevices(ctx)
		if err != nil {
			log.Debugf("Cannot list devices of %s: %v", b.URL(), err)
			continue
		}
		for _, d := range devices {
			fmt.Printf("  %s\n", d)
		}
	}
	return nil
}

func printStatus(ctx context.Context, a *app) error {
	tmpl, err := templates.LoadTemplates()
	if err != nil {
		return fmt.Errorf("failed to load templates: %v", err)
	}
	return tmpl.ExecuteTemplate(os.Stdout, "status", a.obs.Status(ctx))
}

func startObservatory(ctx context.Context, a *app) error {
	if err := a.obs.Start(ctx); err != nil {
		return err
	}
	log.Info("Observatory started")
	return nil
}

func stopObservatory(ctx context.Context, a *app) error {
	if err := a.obs.Stop(ctx); err != nil {
		return err
	}
	log.Info("Observatory stopped")
	return nil
}

// capture takes one exposure and stores it with the observatory metadata.
func capture(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: capture <name>")
	}
	name := c.Args().First()
	exposure := c.Duration("exposure")
	light := !c.Bool("dark")

	return connected(func(ctx context.Context, a *app) error {
		cam := a.obs.Devices().Camera
		action, err := cam.StartExposure(ctx, exposure.Seconds(), light)
		if err != nil {
			return err
		}
		if err := action.Await(ctx, exposure+a.cfg.Devices.Camera.Timeouts.Response); err != nil {
			return err
		}
		path, err := metadata.Capture(ctx, cam, a.obs, a.frames, name)
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	})(c)
}

func listFrames(ctx context.Context, a *app) error {
	frames, err := a.store.Frames()
	if err != nil {
		return err
	}
	for _, f := range frames {
		fmt.Printf("%s  %s  %dx%d  %s\n", f.Time.Format(time.RFC3339), f.ID, f.Width, f.Height, f.Path)
	}
	return nil
}

// daemon keeps the devices connected, secures the observatory in bad weather
// and publishes status until a signal arrives. A halted observatory stays
// halted for the next run.
func daemon(ctx context.Context, a *app) error {
	if err := a.obs.ConnectAll(ctx); err != nil {
		log.Errorf("Failed to connect devices: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.obs.Supervise(ctx, a.cfg.Observatory.SafetyInterval)
		log.Debug("Weather supervisor stopped")
	}()

	if a.publisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.publisher.Run(ctx, a.obs, a.cfg.Status.Interval)
			log.Debug("Status publisher stopped")
		}()
	}

	<-ctx.Done()
	log.Info("Shutting down...")
	wg.Wait()

	shutdown, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.obs.DisconnectAllExceptWeather(shutdown)
}

func runConsole(ctx context.Context, a *app) error {
	tmpl, err := templates.LoadTemplates()
	if err != nil {
		return fmt.Errorf("failed to load templates: %v", err)
	}
	return console.New(a.obs, tmpl, log.StandardLogger()).Run(ctx)
}

func main() {
	cliApp := cli.App{
		Name:  "observatory",
		Usage: "Control an observatory through an Alpaca bridge",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				EnvVars: []string{"DEBUG"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				EnvVars: []string{"OBSERVATORY_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "bridge",
				Aliases: []string{"b"},
				Usage:   "Alpaca bridge URL",
				EnvVars: []string{"ALPACA_BRIDGE"},
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "State database path",
				EnvVars: []string{"OBSERVATORY_DB"},
			},
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   "Also write logs to this rotated file",
				EnvVars: []string{"OBSERVATORY_LOG_FILE"},
			},
			&cli.BoolFlag{
				Name:  "ignore-weather",
				Usage: "Start with the safety override on",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "discover",
				Usage: "Find Alpaca bridges on the local network",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "address", Value: "255.255.255.255", Usage: "Broadcast address"},
					&cli.DurationFlag{Name: "timeout", Value: 2 * time.Second, Usage: "How long to wait for replies"},
				},
				Action: discover,
			},
			{
				Name:   "status",
				Usage:  "Connect and print the observatory status",
				Action: connected(printStatus),
			},
			{
				Name:   "connect",
				Usage:  "Connect every device",
				Action: connected(printStatus),
			},
			{
				Name:   "disconnect",
				Usage:  "Disconnect every device",
				Action: withApp(func(ctx context.Context, a *app) error { return a.obs.DisconnectAll(ctx) }),
			},
			{
				Name:   "start",
				Usage:  "Unpark and home the telescope and dome, cool the camera",
				Action: connected(startObservatory),
			},
			{
				Name:   "stop",
				Usage:  "Park the telescope and dome, close the shutter, warm the camera",
				Action: connected(stopObservatory),
			},
			{
				Name:      "capture",
				Usage:     "Take an exposure and store it with its metadata",
				ArgsUsage: "<name>",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "exposure", Aliases: []string{"e"}, Value: 10 * time.Second, Usage: "Exposure time"},
					&cli.BoolFlag{Name: "dark", Usage: "Take a dark frame"},
				},
				Action: capture,
			},
			{
				Name:   "frames",
				Usage:  "List stored frames",
				Action: withApp(listFrames),
			},
			{
				Name:   "run",
				Usage:  "Keep the observatory connected, park it in bad weather and publish its status",
				Action: withApp(daemon),
			},
			{
				Name:   "console",
				Usage:  "Interactive operator console",
				Action: withApp(runConsole),
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
