package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/beamlab/mapsync/internal/control"
	"github.com/beamlab/mapsync/internal/identity"
	"github.com/beamlab/mapsync/internal/node"
	"github.com/beamlab/mapsync/pkg/api"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "daemon":
		cmdDaemon(args)
	case "id":
		cmdID(args)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`mapsyncd - peer-to-peer projection mapping cluster node

Usage: mapsyncd <command> [options]

Commands:
  daemon   Run a render node (discovers peers on the LAN)
  id       Print this project's node ID
  help     Show this help

Daemon Mode:
  mapsyncd daemon --project /shows/wall --master
  mapsyncd daemon --project /shows/wall

While the daemon runs, press 'm' to toggle master/peer and 'q' to quit.`)
}

func cmdID(args []string) {
	fs := flag.NewFlagSet("id", flag.ExitOnError)
	project := fs.String("project", "", "Project directory (default: working directory)")
	fs.Parse(args)

	dir := *project
	if dir == "" {
		dir, _ = os.Getwd()
	}
	settings, err := identity.LoadOrCreate(dir)
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}
	fmt.Println(settings.ID)
}

func cmdDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	project := fs.String("project", "", "Project directory (default: working directory)")
	port := fs.Int("presence-port", 0, "Override the well-known presence port")
	master := fs.Bool("master", false, "Start with the master role")
	scan := fs.Duration("scan", 0, "Watcher scan interval (default 500ms)")
	settle := fs.Duration("settle", 0, "Watcher settle time (default 250ms)")
	udpBulk := fs.Bool("udp-bulk", false, "Use the UDP blast transport for media sync (default TCP)")
	apiAddr := fs.String("api", "", "Serve the read-only HTTP API on this address (e.g. :8811)")
	fs.Parse(args)

	logger := log.New(os.Stderr, "", log.LstdFlags)

	n, err := node.New(node.Config{
		ProjectDir:    *project,
		PresencePort:  *port,
		StartAsMaster: *master,
		ScanInterval:  *scan,
		SettleTime:    *settle,
		UDPBulk:       *udpBulk,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	n.Start()
	defer n.Stop()

	if *apiAddr != "" {
		srv := &http.Server{Addr: *apiAddr, Handler: api.New(n)}
		go func() {
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				logger.Printf("api server: %v", err)
			}
		}()
		defer srv.Close()
		logger.Printf("api listening on %s", *apiAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	keys := startKeyReader(logger)

	statusTicker := time.NewTicker(5 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-sigCh:
			logger.Printf("shutting down...")
			return
		case key, ok := <-keys:
			if !ok {
				keys = nil // stdin closed (no terminal); signals still work
				continue
			}
			switch key {
			case 'm':
				if n.Role() == control.RoleMaster {
					n.SetRole(control.RolePeer)
				} else {
					n.SetRole(control.RoleMaster)
				}
				logger.Printf("role: %s", n.Role())
			case 'q':
				logger.Printf("shutting down...")
				return
			}
		case <-statusTicker.C:
			peers := n.Peers()
			logger.Printf("peers: %d | catalog: %d files | role: %s",
				len(peers)-1, len(n.ContentSet()), n.Role())
		}
	}
}

// startKeyReader puts stdin into raw mode when it is a terminal and streams
// single keypresses. Without a terminal it returns a closed channel.
func startKeyReader(logger *log.Logger) <-chan byte {
	ch := make(chan byte)

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		close(ch)
		return ch
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		logger.Printf("raw terminal unavailable: %v", err)
		close(ch)
		return ch
	}

	go func() {
		defer term.Restore(fd, oldState)
		defer close(ch)
		buf := make([]byte, 1)
		for {
			if _, err := os.Stdin.Read(buf); err != nil {
				return
			}
			if buf[0] == 3 { // ctrl-c in raw mode
				syscall.Kill(os.Getpid(), syscall.SIGINT)
				return
			}
			ch <- buf[0]
		}
	}()
	return ch
}
