package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/chatmigrate/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   production chat storage directory
//	-t string   sandbox (temporary) base directory
//	-r string   file relay endpoint URL
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-t", "-r"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.StorageDir, "d", cfg.StorageDir, "production chat storage directory")
	fs.StringVar(&cfg.SandboxDir, "t", cfg.SandboxDir, "temporary sandbox base directory")
	fs.StringVar(&cfg.RelayEndpoint, "r", cfg.RelayEndpoint, "file relay endpoint URL")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
