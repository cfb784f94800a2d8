package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sigap-cbt/sigap-backend/internal/config"
)

// Thin wrapper around golang-migrate so deploys resolve DATABASE_URL the
// same way the server does instead of passing the DSN on the command line.
func main() {
	var dir string
	flag.StringVar(&dir, "path", "migrations", "Directory containing migration files")
	flag.Parse()

	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	m, err := migrate.New("file://"+dir, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Init migrations: %v", err)
	}

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	switch args[0] {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("Up: %v", err)
		}
		fmt.Println("Schema is up to date")
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("Down: %v", err)
		}
		fmt.Println("Schema rolled back")
	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			log.Fatalf("Version: %v", err)
		}
		fmt.Printf("version=%d dirty=%t\n", version, dirty)
	case "force":
		if len(args) < 2 {
			log.Fatal("force needs a version argument")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatalf("Bad version %q: %v", args[1], err)
		}
		if err := m.Force(v); err != nil {
			log.Fatalf("Force: %v", err)
		}
		fmt.Printf("Forced version to %d\n", v)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Println("Usage: migrate [-path dir] <up|down|version|force <version>>")
	flag.PrintDefaults()
}
