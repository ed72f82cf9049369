package main

import (
	"fmt"
	"os"

	"github.com/kiroproxy/gateway/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "stop":
		cmdStop()
	case "status":
		cmdStatus()
	case "setup":
		cmdSetup(os.Args[2:])
	case "keys":
		cmdKeys(os.Args[2:])
	case "doctor":
		cmdDoctor(os.Args[2:])
	case "init-config":
		cmdInitConfig()
	case "install-service":
		cmdInstallService()
	case "config-export":
		cmdConfigExport(os.Args[2:])
	case "config-import":
		cmdConfigImport(os.Args[2:])
	case "version":
		fmt.Println(version.String())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: kiro-gateway <command> [options]

Commands:
  serve            Start the gateway daemon (the Kiro protocol-translation surface)
  stop             Stop the running daemon
  status           Show whether the daemon is running and probe its health endpoint
  setup            Interactive setup wizard
  keys             Manage gateway caller API keys (list|set|delete <user-id>)
  doctor           Report credential and account pool health
  init-config      Generate default config file
  config-export    Export current config to a TOML file
  config-import    Import config from a TOML file
  install-service  Install as system service (launchd on macOS)
  version          Print version information
  help             Show this help message

Options:
  --foreground       Run in foreground (with 'serve')
  --non-interactive  Skip interactive prompts (with 'setup')`)
}
