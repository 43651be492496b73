package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stdout, stderr)
	case "migrate":
		return runMigrateCmd(stdout, stderr)
	case "bootstrap":
		return runBootstrapCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: treasury <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                      Run the treasury API (default)")
	fmt.Fprintln(w, "  migrate                    Create or upgrade the database schema")
	fmt.Fprintln(w, "  bootstrap <file>           Create treasuries from a bootstrap document")
	fmt.Fprintln(w, "  health [--url URL]         Probe a running server")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration is read from the environment (DATABASE_URL, DATABASE_DRIVER,")
	fmt.Fprintln(w, "REDIS_ADDR, ADMIN_TOKEN_SECRET, RULES_FILE, OTEL_EXPORTER_OTLP_ENDPOINT, ...).")
}

func runHealthCmd(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(errOut)
	url := fs.String("url", "http://localhost:8080/health", "health endpoint")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*url)
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}
