// Command scratchcloud-run is a minimal operational harness around the
// scratchcloud Client: it logs in, subscribes to every variable change, and
// prints them to stdout until interrupted. Adapted from GoSessionEngine's
// main.go startup/shutdown sequence (flags → config → engine → signal-based
// graceful shutdown); the worker pool and scheduler stages have no
// equivalent here since this client has no per-iteration job loop to fan
// out.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/scratchcloud/client"
	"github.com/scratchcloud/client/internal/config"
	"github.com/scratchcloud/client/internal/enginelog"
)

func main() {
	configFile := flag.String("config", "", "Path to JSON config file (optional; uses defaults if omitted)")
	dashboardAddr := flag.String("dashboard", "", "Address for the optional real-time dashboard HTTP server (e.g. :8080)")
	username := flag.String("username", "", "Scratch account username")
	password := flag.String("password", "", "Scratch account password")
	projectID := flag.String("project", "", "Scratch project id")
	connections := flag.Int("connections", 10, "number of parallel transport sessions")
	flag.Parse()

	if *username == "" || *password == "" || *projectID == "" {
		fmt.Fprintln(os.Stderr, "scratchcloud-run: -username, -password, and -project are required")
		os.Exit(2)
	}

	var cfg *config.Config
	if *configFile != "" {
		var err error
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scratchcloud-run: failed to load config from %q: %v\n", *configFile, err)
			os.Exit(1)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	if *dashboardAddr != "" {
		cfg.DashboardAddr = *dashboardAddr
	}

	c := scratchcloud.New(*username, *password, *projectID, *connections,
		scratchcloud.WithConfig(cfg),
		scratchcloud.WithLogLevel(enginelog.LevelInfo),
	)

	c.OnVariableSet(func(evt scratchcloud.VariableChanged) {
		if user, ok := scratchcloud.SetterIdentity(evt); ok {
			fmt.Printf("%s=%s (source=%s user=%s)\n", evt.Name, evt.Value, evt.Source, user)
			return
		}
		fmt.Printf("%s=%s (source=%s)\n", evt.Name, evt.Value, evt.Source)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Boot(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "scratchcloud-run: boot failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("scratchcloud-run: connected to project %s with %d session(s)\n", *projectID, *connections)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Println()
	fmt.Printf("scratchcloud-run: received signal %s; shutting down\n", sig)

	cancel()
	c.Shutdown()
	fmt.Println("scratchcloud-run: shut down cleanly")
}
