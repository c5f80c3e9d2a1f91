// LineCord - LINE <-> Discord message bridge
// License: MIT

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/linecord/linecord/pkg/config"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const logo = "🔗"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func printVersion() {
	fmt.Printf("%s linecord %s\n", logo, formatVersion())
	if buildTime != "" {
		fmt.Printf("  Build: %s\n", buildTime)
	}
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	fmt.Printf("  Go: %s\n", goVer)
}

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "onboard":
		onboard()
	case "serve":
		serveCmd()
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("%s linecord - LINE <-> Discord bridge v%s\n\n", logo, version)
	fmt.Println("Usage: linecord <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  onboard     Write a starter config file")
	fmt.Println("  serve       Run the bridge")
	fmt.Println("  version     Show version information")
}

func getConfigPath() string {
	if p := os.Getenv("LINECORD_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".linecord", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}
