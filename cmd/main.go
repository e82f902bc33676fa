package main

import (
	"context"
	"flag"
	"log"
	"strings"
	"time"

	"github.com/crossroad-p2p/crossroad/pkg/app"
	"github.com/crossroad-p2p/crossroad/pkg/config"
	"github.com/crossroad-p2p/crossroad/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml")
	port := flag.Int("port", 0, "listen port (overrides config)")
	dataDir := flag.String("data", "", "data directory (overrides config)")
	peerID := flag.String("id", "", "preferred peer id (overrides config)")
	name := flag.String("name", "", "display name for a first-run profile")
	bootstrap := flag.String("bootstrap", "", "comma-separated bootstrap multiaddrs")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Node.Port = *port
	}
	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
	}
	if *peerID != "" {
		cfg.Node.PeerID = *peerID
	}
	if *name != "" {
		cfg.Node.Name = *name
	}
	if *bootstrap != "" {
		cfg.Network.Bootstrap = append(cfg.Network.Bootstrap, strings.Split(*bootstrap, ",")...)
	}

	tr := transport.NewP2PTransport(transport.P2PConfig{
		Port:      cfg.Node.Port,
		DataDir:   cfg.Node.DataDir,
		Bootstrap: cfg.Network.Bootstrap,
	})

	node, err := app.New(cfg, tr)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}
	defer node.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = node.Start(ctx)
	cancel()
	if err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	node.StartCLI()
}
