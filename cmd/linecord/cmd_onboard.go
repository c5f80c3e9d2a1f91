// LineCord - LINE <-> Discord message bridge
// License: MIT

package main

import (
	"fmt"
	"os"

	"github.com/linecord/linecord/pkg/config"
)

func onboard() {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Print("Overwrite? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" {
			fmt.Println("Aborted.")
			return
		}
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s linecord is ready!\n", logo)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Add your credentials to", configPath)
	fmt.Println("")
	fmt.Println("     LINE:    channel_secret and channel_access_token")
	fmt.Println("              https://developers.line.biz/console/")
	fmt.Println("     Discord: bot token and guild_id")
	fmt.Println("              https://discord.com/developers/applications")
	fmt.Println("")
	fmt.Println("  2. Point your LINE webhook at this host (default port 8787)")
	fmt.Println("")
	fmt.Println("  3. Run: linecord serve")
}
