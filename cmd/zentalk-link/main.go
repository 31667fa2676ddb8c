package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-link/pkg/api"
	"github.com/ZentaChain/zentalk-link/pkg/channel"
	"github.com/ZentaChain/zentalk-link/pkg/config"
	"github.com/ZentaChain/zentalk-link/pkg/device"
	"github.com/ZentaChain/zentalk-link/pkg/logging"
	"github.com/ZentaChain/zentalk-link/pkg/packet"
	"github.com/ZentaChain/zentalk-link/pkg/secure"
	"github.com/ZentaChain/zentalk-link/pkg/storage"
	"github.com/ZentaChain/zentalk-link/pkg/transport/lan"
	"github.com/ZentaChain/zentalk-link/pkg/transport/p2p"
)

const typePing = "zentalk.ping"

var (
	configPath = flag.String("config", "", "Path to config file (yaml, json or toml)")
	connectTo  = flag.String("connect", "", "LAN peer to keep a channel open to (host:port)")
	peerID     = flag.String("peer", "", "Device id expected at -connect or -p2p-connect")
	p2pConnect = flag.String("p2p-connect", "", "libp2p multiaddr of a peer to open a channel to")
)

func main() {
	flag.Parse()

	printBanner()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if (*connectTo != "" || *p2pConnect != "") && *peerID == "" {
		logger.Fatal("-peer is required with -connect and -p2p-connect")
	}

	deviceID, err := cfg.ResolveDeviceID()
	if err != nil {
		logger.Fatal("failed to resolve device id", zap.Error(err))
	}
	logger = logger.With(zap.String("self", deviceID))

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	store, err := storage.Open(cfg.Path(cfg.Storage.Path), cfg.Storage.OutboxTTL, logger)
	if err != nil {
		logger.Fatal("failed to open storage", zap.Error(err))
	}

	devices := device.NewManager(store, logger)
	if err := devices.Load(); err != nil {
		logger.Fatal("failed to load known devices", zap.Error(err))
	}
	devices.Handle(typePing, func(d *device.Device, p *packet.Packet) error {
		logger.Info("ping", zap.String("device", d.ID()), zap.String("message", p.GetString("message")))
		return nil
	})

	local := packet.NewIdentity(packet.Identity{
		DeviceID:             deviceID,
		DeviceName:           cfg.Device.Name,
		DeviceType:           cfg.Device.Type,
		IncomingCapabilities: []string{typePing},
		OutgoingCapabilities: []string{typePing},
		TCPPort:              cfg.LAN.ListenPort,
	})
	identity := func() *packet.Packet { return local }

	timeouts := channel.Timeouts{
		Handshake: cfg.Timeouts.Handshake,
		Read:      cfg.Timeouts.Read,
		Write:     cfg.Timeouts.Write,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var lanTransport *lan.Transport
	if cfg.LAN.Enabled {
		negotiator, err := newNegotiator(cfg, deviceID, store)
		if err != nil {
			logger.Fatal("failed to set up encryption", zap.Error(err))
		}

		lanCfg := lan.DefaultConfig()
		lanCfg.ListenAddr = net.JoinHostPort("", strconv.Itoa(cfg.LAN.ListenPort))
		lanCfg.PayloadPortMin = cfg.LAN.PayloadPortMin
		lanCfg.PayloadPortMax = cfg.LAN.PayloadPortMax
		lanCfg.Timeouts = timeouts

		lanTransport = lan.New(lanCfg, identity, negotiator, devices, logger)
		lanTransport.OnAttached = func(d *device.Device) {
			logger.Info("device connected", zap.String("device", d.ID()), zap.String("name", d.Info().Name))
		}

		addr, err := lanTransport.Listen()
		if err != nil {
			logger.Fatal("failed to listen", zap.Error(err))
		}
		logger.Info("LAN transport listening", zap.Stringer("addr", addr), zap.String("encryption", cfg.LAN.Encryption))

		go func() {
			if err := lanTransport.Serve(ctx); err != nil {
				logger.Error("LAN transport stopped", zap.Error(err))
			}
		}()

		if *connectTo != "" {
			go lanTransport.Maintain(ctx, *connectTo, packet.NewIdentity(packet.Identity{DeviceID: *peerID}))
		}
	}

	var p2pTransport *p2p.Transport
	if cfg.P2P.Enabled {
		key, err := p2p.LoadOrCreateKey(cfg.Path(cfg.P2P.KeyFile))
		if err != nil {
			logger.Fatal("failed to load libp2p key", zap.Error(err))
		}

		p2pTransport, err = p2p.New(ctx, p2p.Config{
			ListenAddrs:    cfg.P2P.ListenAddrs,
			BootstrapPeers: cfg.P2P.BootstrapPeers,
			PrivateKey:     key,
			Timeouts:       timeouts,
		}, identity, devices, logger)
		if err != nil {
			logger.Fatal("failed to start libp2p transport", zap.Error(err))
		}
		for _, addr := range p2pTransport.Addrs() {
			logger.Info("libp2p transport listening", zap.Stringer("addr", addr))
		}

		if *p2pConnect != "" {
			go func() {
				dialCtx, dialCancel := context.WithTimeout(ctx, 30*time.Second)
				defer dialCancel()
				if _, err := p2pTransport.Connect(dialCtx, *p2pConnect, packet.NewIdentity(packet.Identity{DeviceID: *peerID})); err != nil {
					logger.Warn("libp2p connect failed", zap.String("addr", *p2pConnect), zap.Error(err))
				}
			}()
		}
	}

	var server *api.Server
	if cfg.API.Enabled {
		apiCfg := api.DefaultConfig()
		apiCfg.Listen = cfg.API.Listen
		server = api.NewServer(devices, store, identity, apiCfg, logger)

		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error("HTTP API server stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("zentalk-link started",
		zap.String("name", cfg.Device.Name),
		zap.Int("known_devices", len(devices.Devices())))

	waitForShutdown(logger)

	cancel()
	if server != nil {
		_ = server.Stop()
	}
	if p2pTransport != nil {
		_ = p2pTransport.Close()
	}
	if lanTransport != nil {
		_ = lanTransport.Close()
	}
	devices.Close()
	if err := store.Close(); err != nil {
		logger.Warn("failed to close storage", zap.Error(err))
	}

	logger.Info("shutdown complete")
}

// newNegotiator builds the channel encryption selected by lan.encryption.
// A nil negotiator leaves LAN channels in plaintext.
func newNegotiator(cfg *config.Config, deviceID string, store *storage.DB) (lan.Negotiator, error) {
	switch cfg.LAN.Encryption {
	case "tls":
		cert, err := secure.LoadOrCreateCertificate(cfg.Path(cfg.LAN.CertFile), cfg.Path(cfg.LAN.KeyFile), deviceID)
		if err != nil {
			return nil, err
		}
		return secure.NewTLS(cert, store.VerifyFingerprint), nil
	case "noise":
		key, err := secure.LoadOrCreateNoiseKey(cfg.Path(cfg.LAN.NoiseKeyFile))
		if err != nil {
			return nil, err
		}
		return secure.NewNoise(key, store.VerifyFingerprint), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown encryption %q", cfg.LAN.Encryption)
	}
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║             Zentalk Link Daemon v1.0             ║")
	fmt.Println("║        Paired device channels and transfers      ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func waitForShutdown(logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("shutting down", zap.Stringer("signal", sig))
}
