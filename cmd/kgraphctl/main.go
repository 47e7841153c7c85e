// Command kgraphctl is the thin client companion to kgraphd: it
// demonstrates the single-owner ensureDaemonRunning contract (§4.6/§9)
// without attempting a full CLI option-parsing UX, which spec.md §1
// explicitly places out of scope.
//
// Usage: kgraphctl <status|health|shutdown>
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/kgraphd/kgraphd/internal/version"
	"github.com/kgraphd/kgraphd/pkg/daemonclient"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kgraphd"
	}
	return filepath.Join(home, ".kgraphd")
}

func defaultPort() int {
	port, _ := strconv.Atoi(getEnv("KGRAPHD_DAEMON_PORT", "6969"))
	if port == 0 {
		return 6969
	}
	return port
}

func main() {
	configDir := flag.String("config-dir", getEnv("KGRAPHD_CONFIG_DIR", defaultConfigDir()), "daemon config/state directory")
	daemonBin := flag.String("daemon-bin", getEnv("KGRAPHD_DAEMON_BIN", "kgraphd"), "path to the kgraphd binary to spawn if none is running")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("usage: kgraphctl <status|health|shutdown>")
		os.Exit(1)
	}

	port := defaultPort()
	ctx, cancel := context.WithTimeout(context.Background(), daemonclient.DefaultStartupTimeout)
	defer cancel()

	outcome, err := daemonclient.EnsureDaemonRunning(ctx, daemonclient.Options{
		Port:      port,
		ConfigDir: *configDir,
		Spawn: func() error {
			cmd := exec.Command(*daemonBin, "--config-dir", *configDir)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			return cmd.Start()
		},
	})
	if err != nil {
		log.Fatalf("kgraphctl: %v (kgraphctl/%s)", err, version.GitCommit)
	}

	switch flag.Arg(0) {
	case "status":
		fetchAndPrint(outcome.BaseURL + "/status")
	case "health":
		fetchAndPrint(outcome.BaseURL + "/health")
	case "shutdown":
		postAndPrint(outcome.BaseURL + "/shutdown")
	default:
		fmt.Printf("unknown subcommand %q\n", flag.Arg(0))
		os.Exit(1)
	}
}

func fetchAndPrint(url string) {
	resp, err := http.Get(url)
	if err != nil {
		log.Fatalf("kgraphctl: %v", err)
	}
	defer resp.Body.Close()
	printBody(resp.Body)
}

func postAndPrint(url string) {
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		log.Fatalf("kgraphctl: %v", err)
	}
	defer resp.Body.Close()
	printBody(resp.Body)
}

func printBody(r io.Reader) {
	var v any
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		log.Fatalf("kgraphctl: decode response: %v", err)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}
