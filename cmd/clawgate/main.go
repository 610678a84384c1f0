package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	daemon "github.com/sevlyar/go-daemon"

	"github.com/roelfdiedericks/clawgate/internal/agent"
	"github.com/roelfdiedericks/clawgate/internal/bus"
	"github.com/roelfdiedericks/clawgate/internal/config"
	"github.com/roelfdiedericks/clawgate/internal/cron"
	"github.com/roelfdiedericks/clawgate/internal/gateway"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/pairing"
	"github.com/roelfdiedericks/clawgate/internal/providers"
	"github.com/roelfdiedericks/clawgate/internal/session"
)

const version = "0.1.0"

type cli struct {
	LogLevel string `help:"Log level (trace, debug, info, warn, error)." default:"info"`

	Gateway gatewayCmd `cmd:"" help:"Run the gateway."`
	Pair    pairCmd    `cmd:"" help:"Manage device pairing against the local state files."`
	Version versionCmd `cmd:"" help:"Print the version."`
}

type versionCmd struct{}

func (v *versionCmd) Run() error {
	fmt.Printf("clawgate %s\n", version)
	return nil
}

type gatewayCmd struct {
	Config string `help:"Path to the config file." type:"path"`
	Daemon bool   `help:"Detach and run in the background."`
}

func (g *gatewayCmd) Run(root *cli) error {
	if g.Daemon {
		stateDir := config.StateDir()
		if err := os.MkdirAll(stateDir, 0700); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
		dctx := &daemon.Context{
			PidFileName: filepath.Join(stateDir, "clawgate.pid"),
			PidFilePerm: 0644,
			LogFileName: filepath.Join(stateDir, "clawgate.log"),
			LogFilePerm: 0640,
			Umask:       027,
		}
		child, err := dctx.Reborn()
		if err != nil {
			return fmt.Errorf("failed to daemonize: %w", err)
		}
		if child != nil {
			fmt.Printf("clawgate gateway started, pid %d\n", child.Pid)
			return nil
		}
		defer dctx.Release()
	}

	Init(&Config{
		Level:      ParseLevel(root.LogLevel),
		ShowCaller: true,
	})
	L_info("clawgate %s starting", version)

	cfg, err := config.NewManager(g.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	secret, err := ensureTokenSecret(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize token secret: %w", err)
	}
	issuer, err := pairing.NewTokenIssuer(secret)
	if err != nil {
		return err
	}

	stateDir := config.StateDir()
	b := bus.New()
	sessions := session.NewStore("", "")
	pairStore := pairing.NewStore("", issuer)
	runner := agent.NewProcessRunner(cfg.Raw().Agent.Command, nil, b)
	provs := providers.NewManager()

	audit, err := session.OpenAuditStore(filepath.Join(stateDir, "messages.db"))
	if err != nil {
		L_warn("audit trail disabled", "error", err)
		audit = nil
	} else {
		defer audit.Close()
	}

	gw := gateway.New(gateway.Options{
		Config:   cfg,
		Bus:      b,
		Runner:   runner,
		Sessions: sessions,
		Audit:    audit,
		Pairing:  pairStore,
		Provs:    provs,
	})

	cronService := cron.NewService(cron.NewStore("", ""), gw)
	gw.SetCron(cronService)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cronService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start cron: %w", err)
	}
	provs.StartAll(ctx)
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	L_info("clawgate ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	L_info("shutting down", "signal", sig)
	SetShuttingDown()

	cancel()
	gw.Stop()
	cronService.Stop()
	provs.StopAll()
	return nil
}

// pairCmd operates on the pairing store directly, without a running
// gateway. "pair request" plus "pair approve" is the bootstrap path to
// the first operator token; after that, pairing usually happens over
// the websocket (token-less connect + device.pair.approve).
type pairCmd struct {
	Config string `help:"Path to the config file." type:"path"`

	Request pairRequestCmd `cmd:"" help:"Register a pairing request for a device."`
	List    pairListCmd    `cmd:"" help:"List pending requests and paired devices."`
	Approve pairApproveCmd `cmd:"" help:"Approve a pending request and print the issued token."`
	Reject  pairRejectCmd  `cmd:"" help:"Reject a pending request."`
}

// openPairingStore builds the same pairing store the gateway uses, with
// the token secret from (or persisted into) the config file.
func openPairingStore(root *cli, configPath string) (*pairing.Store, error) {
	Init(&Config{Level: ParseLevel(root.LogLevel)})

	cfg, err := config.NewManager(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	secret, err := ensureTokenSecret(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token secret: %w", err)
	}
	issuer, err := pairing.NewTokenIssuer(secret)
	if err != nil {
		return nil, err
	}
	return pairing.NewStore("", issuer), nil
}

type pairRequestCmd struct {
	DeviceID string `arg:"" help:"Device identifier to pair."`
	Name     string `help:"Human-readable device name."`
	Role     string `help:"Role to request (operator or node)." default:"operator"`
}

func (p *pairRequestCmd) Run(root *cli, parent *pairCmd) error {
	store, err := openPairingStore(root, parent.Config)
	if err != nil {
		return err
	}
	req, err := store.Request(p.DeviceID, p.Name, p.Role, "local")
	if err != nil {
		return err
	}
	fmt.Printf("pairing request %s for device %s (%s)\n", req.RequestID, req.DeviceID, req.Role)
	fmt.Printf("approve with: clawgate pair approve %s\n", req.RequestID)
	return nil
}

type pairListCmd struct{}

func (p *pairListCmd) Run(root *cli, parent *pairCmd) error {
	store, err := openPairingStore(root, parent.Config)
	if err != nil {
		return err
	}
	pending, err := store.Pending()
	if err != nil {
		return err
	}
	devices, err := store.Devices()
	if err != nil {
		return err
	}

	fmt.Printf("pending requests (%d):\n", len(pending))
	for _, req := range pending {
		repair := ""
		if req.IsRepair {
			repair = " (re-pair)"
		}
		fmt.Printf("  %s  device=%s role=%s from=%s%s\n", req.RequestID, req.DeviceID, req.Role, req.RemoteIP, repair)
	}
	fmt.Printf("paired devices (%d):\n", len(devices))
	for _, dev := range devices {
		fmt.Printf("  %s  name=%q roles=%v tokens=%d\n", dev.DeviceID, dev.DisplayName, dev.Roles, len(dev.TokenIDs))
	}
	return nil
}

type pairApproveCmd struct {
	RequestID string   `arg:"" help:"Pending request to approve."`
	Scopes    []string `help:"Scopes to grant the device."`
}

func (p *pairApproveCmd) Run(root *cli, parent *pairCmd) error {
	store, err := openPairingStore(root, parent.Config)
	if err != nil {
		return err
	}
	dev, token, err := store.Approve(p.RequestID, p.Scopes)
	if err != nil {
		return err
	}
	fmt.Printf("approved device %s\n", dev.DeviceID)
	fmt.Printf("token: %s\n", token)
	return nil
}

type pairRejectCmd struct {
	RequestID string `arg:"" help:"Pending request to reject."`
}

func (p *pairRejectCmd) Run(root *cli, parent *pairCmd) error {
	store, err := openPairingStore(root, parent.Config)
	if err != nil {
		return err
	}
	req, err := store.Reject(p.RequestID)
	if err != nil {
		return err
	}
	fmt.Printf("rejected request %s (device %s)\n", req.RequestID, req.DeviceID)
	return nil
}

// ensureTokenSecret returns the configured device token secret,
// generating and persisting one on first run.
func ensureTokenSecret(cfg *config.Manager) ([]byte, error) {
	if s := cfg.Raw().Auth.TokenSecret; s != "" {
		return []byte(s), nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	secret := hex.EncodeToString(buf)

	patch, _ := json.Marshal(map[string]any{
		"auth": map[string]any{"tokenSecret": secret},
	})
	if _, err := cfg.Set(patch); err != nil {
		return nil, err
	}
	L_info("generated device token secret")
	return []byte(secret), nil
}

func main() {
	var root cli
	ctx := kong.Parse(&root,
		kong.Name("clawgate"),
		kong.Description("Multi-channel chat relay gateway."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&root))
}
