package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/painelbot/painelbot/internal/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate config and test backend connectivity",
	RunE:  runCheck,
}

func runCheck(_ *cobra.Command, _ []string) error {
	fmt.Println("Checking configuration...")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	fmt.Println("✓ Config OK")
	fmt.Printf("  Server URL:  %s\n", cfg.ServerURL)
	fmt.Printf("  HTTP addr:   %s\n", cfg.HTTPAddr)
	fmt.Printf("  Refresh:     %s\n", cfg.RefreshSpec)
	fmt.Println()

	fmt.Print("Testing backend connectivity... ")

	// Convert the WebSocket URL to HTTP for a plain health probe.
	httpURL := cfg.ServerURL
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)
	httpURL = strings.Replace(httpURL, "ws://", "http://", 1)
	httpURL = strings.TrimSuffix(httpURL, "/ws")

	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	resp, err := client.Get(httpURL)
	latency := time.Since(start)
	if err != nil {
		fmt.Println("❌ Failed")
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		fmt.Printf("❌ Failed (HTTP %d)\n", resp.StatusCode)
		return fmt.Errorf("backend returned HTTP %d", resp.StatusCode)
	}

	fmt.Printf("✓ OK (latency: %dms)\n", latency.Milliseconds())
	return nil
}
