package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/goopcall/internal/app"
	"github.com/petervdpas/goopcall/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	openUI   = flag.Bool("open", false, "Open the viewer in a browser")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goopcall v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: goopcall peer <peer-directory>")
			os.Exit(1)
		}
		runPeer(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runPeer(peerDirArg string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Peer directory: %v", err)
	}

	if err := config.LoadEnv(absDir); err != nil {
		log.Fatalf("Failed to read .env: %v", err)
	}

	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := loadConfig(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	printPeerBanner(absDir, cfgPath, cfg, created)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Println("Shutting down gracefully...")
	}()

	if err := app.Run(ctx, app.Options{
		PeerDir:     absDir,
		CfgPath:     cfgPath,
		Cfg:         cfg,
		OpenBrowser: *openUI,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

// loadConfig writes a default config on first run, then layers the
// environment on top of the file and validates the result.
func loadConfig(path string) (config.Config, bool, error) {
	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := config.Save(path, config.Default()); err != nil {
			return config.Config{}, false, err
		}
		created = true
	}
	cfg, err := config.LoadPartial(path)
	if err != nil {
		return config.Config{}, false, err
	}
	config.ApplyEnv(&cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, false, err
	}
	return cfg, created, nil
}

func showUsage() {
	fmt.Println("goopcall - one-to-one audio/video calls for the chat app")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goopcall [options] peer <directory>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        Run the call peer of one local user")
	fmt.Printf("        The directory holds %s, an optional .env and the local database\n", config.FileName)
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -open     Open the viewer in the default browser")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Printf("  %sTOKEN          access token issued by the chat server\n", config.EnvPrefix)
	fmt.Printf("  %sSIGNALING_URL  chat websocket endpoint\n", config.EnvPrefix)
	fmt.Printf("  %sCALL_LOG_MODE  remote, local or off\n", config.EnvPrefix)
	fmt.Println()
	fmt.Println("Example:")
	fmt.Println("  goopcall peer ./peers/alice")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config, created bool) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    goopcall peer                       ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s", cfgPath)
	if created {
		fmt.Print(" (new)")
	}
	fmt.Println()
	if cfg.Identity.DisplayName != "" {
		fmt.Printf("Display Name:   %s\n", cfg.Identity.DisplayName)
	}
	fmt.Printf("Signaling:      %s\n", cfg.Signaling.URL)
	fmt.Printf("Call Log:       %s\n", cfg.CallLog.Mode)
	if cfg.Viewer.HTTPAddr != "" {
		_, url, _ := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		fmt.Printf("Viewer:         %s\n", url)
	}
	fmt.Println()
}
