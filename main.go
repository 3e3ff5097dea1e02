package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hazyhaar/edkarma/internal/api"
	"github.com/hazyhaar/edkarma/internal/auth"
	"github.com/hazyhaar/edkarma/internal/config"
	"github.com/hazyhaar/edkarma/internal/db"
	"github.com/hazyhaar/edkarma/internal/errlog"
	"github.com/hazyhaar/edkarma/internal/mcp"
	"github.com/hazyhaar/edkarma/pkg/audit"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "setup":
		cmdSetup(os.Args[2:])
	case "mcp":
		cmdMCP(os.Args[2:])
	case "version":
		fmt.Printf("edkarma %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`edkarma — karma scores API

Usage:
  edkarma serve [--config config.toml] [--addr :8080]
  edkarma setup [--config config.toml] [--reset-db] [--reset-keys] USERS_FILE
  edkarma mcp   [--config config.toml]
  edkarma version
  edkarma help

Commands:
  serve     Start the HTTP server
  setup     Provision API keys from a users file (one user per line)
  mcp       Serve the scores tools over MCP stdio
  version   Print version
  help      Show this help`)
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	addr := fs.String("addr", "", "listen address (overrides config)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer database.Close()

	keyring, err := auth.LoadKeyring(cfg.Auth.KeyringPath)
	if err != nil {
		log.Fatalf("loading keyring: %v", err)
	}
	if keyring.Len() == 0 {
		log.Printf("warning: keyring %s is empty, all requests will be rejected (run: edkarma setup)", cfg.Auth.KeyringPath)
	}

	auditLog, err := audit.NewFileLogger(cfg.Audit.WritesLog)
	if err != nil {
		log.Fatalf("opening audit log: %v", err)
	}
	defer auditLog.Close()

	errors := errlog.New(cfg.Audit.ErrorDir)
	if err := errors.Init(); err != nil {
		log.Fatalf("preparing error dir: %v", err)
	}

	apiHandler := api.New(database, keyring, auditLog, errors)
	mux := http.NewServeMux()
	apiHandler.RegisterRoutes(mux)

	log.Printf("edkarma %s listening on %s", version, cfg.Server.Addr)
	log.Printf("database: %s", cfg.Database.Path)
	log.Printf("audit log: %s", cfg.Audit.WritesLog)

	if err := http.ListenAndServe(cfg.Server.Addr, api.SecurityHeaders(mux)); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func cmdSetup(args []string) {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	resetDB := fs.Bool("reset-db", false, "back up an existing database and start empty")
	resetKeys := fs.Bool("reset-keys", false, "discard existing API keys before provisioning")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: edkarma setup [--config config.toml] [--reset-db] [--reset-keys] USERS_FILE")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if *resetDB {
		if backup, err := backupDatabase(cfg.Database.Path); err != nil {
			log.Fatalf("backing up database: %v", err)
		} else if backup != "" {
			fmt.Printf("existing database moved to %s\n", backup)
		}
	}

	keys := map[string]string{}
	if !*resetKeys {
		existing, err := auth.LoadKeyring(cfg.Auth.KeyringPath)
		if err != nil {
			log.Fatalf("loading keyring: %v", err)
		}
		keys = existing.Keys()
	}

	added, err := provisionKeys(keys, fs.Arg(0))
	if err != nil {
		log.Fatalf("provisioning keys: %v", err)
	}
	if err := auth.SaveKeyring(cfg.Auth.KeyringPath, keys); err != nil {
		log.Fatalf("saving keyring: %v", err)
	}

	errors := errlog.New(cfg.Audit.ErrorDir)
	if err := errors.Init(); err != nil {
		log.Fatalf("preparing error dir: %v", err)
	}

	fmt.Printf("keyring %s: %d keys (%d new)\n", cfg.Auth.KeyringPath, len(keys), added)
}

// provisionKeys generates a key for every user in the file that does not
// already hold one. Existing users keep their keys.
func provisionKeys(keys map[string]string, usersFile string) (int, error) {
	f, err := os.Open(usersFile)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	provisioned := map[string]bool{}
	for _, user := range keys {
		provisioned[user] = true
	}

	added := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		user := strings.TrimSpace(scanner.Text())
		if user == "" || provisioned[user] {
			continue
		}
		key, err := auth.GenerateKey()
		if err != nil {
			return added, err
		}
		for {
			if _, taken := keys[key]; !taken {
				break
			}
			if key, err = auth.GenerateKey(); err != nil {
				return added, err
			}
		}
		keys[key] = user
		provisioned[user] = true
		added++
	}
	return added, scanner.Err()
}

// backupDatabase moves an existing database aside as <path>.1, <path>.2, ...
// and returns the backup path, or "" if there was nothing to back up.
func backupDatabase(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	for i := 1; ; i++ {
		backup := fmt.Sprintf("%s.%d", path, i)
		if _, err := os.Stat(backup); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return "", err
		}
		return backup, os.Rename(path, backup)
	}
}

func cmdMCP(args []string) {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer database.Close()

	auditLog, err := audit.NewFileLogger(cfg.Audit.WritesLog)
	if err != nil {
		log.Fatalf("opening audit log: %v", err)
	}
	defer auditLog.Close()

	srv := mcp.NewServer(database, auditLog, cfg.MCP.User)
	if err := mcpserver.ServeStdio(srv); err != nil {
		log.Fatalf("mcp server error: %v", err)
	}
}
