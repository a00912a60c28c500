package main

import (
	_ "embed"
	"fmt"
	"os"
)

//go:embed .env.example
var envExampleContent string

type initCmd struct {
	Output string `default:".env.example" help:"File to write." type:"path"`
}

// Run writes the configuration template. It always overwrites: the file
// is a template, not live configuration.
func (c *initCmd) Run() error {
	if err := os.WriteFile(c.Output, []byte(envExampleContent), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", c.Output, err)
	}

	fmt.Printf("Generated %s\n", c.Output)
	fmt.Println("  Next steps:")
	fmt.Println("  1. cp .env.example .env")
	fmt.Println("  2. Set LLM_PROXY_SECRET_KEY and LLM_PROXY_ADMIN_TOKEN in .env")
	fmt.Println("  3. Start the proxy: ./session-proxy")
	fmt.Println("  4. Register a session: curl -H 'X-Admin-Token: ...' -d '{\"credential\":\"sk-...\"}' http://localhost:8000/api/sessions")
	return nil
}
