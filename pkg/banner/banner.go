package banner

import (
	"fmt"

	"chatsync/pkg/config"
)

const banner = `
 ██████╗██╗  ██╗ █████╗ ████████╗███████╗██╗   ██╗███╗   ██╗ ██████╗
██╔════╝██║  ██║██╔══██╗╚══██╔══╝██╔════╝╚██╗ ██╔╝████╗  ██║██╔════╝
██║     ███████║███████║   ██║   ███████╗ ╚████╔╝ ██╔██╗ ██║██║
██║     ██╔══██║██╔══██║   ██║   ╚════██║  ╚██╔╝  ██║╚██╗██║██║
╚██████╗██║  ██║██║  ██║   ██║   ███████║   ██║   ██║ ╚████║╚██████╗
 ╚═════╝╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝   ╚══════╝   ╚═╝   ╚═╝  ╚═══╝ ╚═════╝
`

// Print writes the startup banner with the effective runtime settings.
func Print(cfg *config.Config, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:    %s\n", cfg.Addr())
	fmt.Printf("DB Path:   %s\n", cfg.Storage.DBPath)
	fmt.Printf("Remote:    %s\n", cfg.Remote.BaseURL)
	fmt.Printf("User:      %s\n", cfg.Session.UserID)
	if version != "" {
		fmt.Printf("Version:   %s\n", version)
	}
	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("POST /v1/conversations/{conv}/open     - Open a conversation session")
	fmt.Println("POST /v1/conversations/{conv}/messages - Send a message (JSON: text, reply_to, location)")
	fmt.Println("GET  /v1/conversations/{conv}/messages - Current ordered window")
	fmt.Println("POST /v1/conversations/{conv}/more     - Load one page of older history")
	fmt.Println("GET  /metrics                          - Prometheus metrics")
}
