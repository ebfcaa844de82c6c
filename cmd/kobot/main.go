package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/sorane/kobot/core"
)

func main() {
	var configPath = flag.String("config", "kobot.toml", "Path to configuration file")
	var version = flag.Bool("version", false, "Show version information")
	var help = flag.Bool("help", false, "Show help information")

	flag.Parse()

	if *help {
		showHelp()
		return
	}

	if *version {
		showVersion()
		return
	}

	// Create and start bot
	bot, err := core.NewBot(*configPath)
	if err != nil {
		log.Fatalf("Failed to create bot: %v", err)
	}

	if err := bot.Start(); err != nil {
		log.Fatalf("Bot failed: %v", err)
	}
}

func showHelp() {
	fmt.Println("kobot chat gateway plugin host")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  kobot [options]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config string    Path to configuration file (default \"kobot.toml\")")
	fmt.Println("  -version          Show version information")
	fmt.Println("  -help             Show this help message")
}

func showVersion() {
	fmt.Println("kobot")
	fmt.Println("Version: 1.0.0")
}
