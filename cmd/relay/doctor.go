package main

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/relaykit/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, secrets, and agent binary health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("relay doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
		if promptGenerateConfig(cfgPath) {
			if err := config.Save(cfgPath, config.Default()); err != nil {
				fmt.Printf("    write failed: %s\n", err)
			} else {
				fmt.Printf("    wrote defaults to %s\n", cfgPath)
			}
		}
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Secrets:")
	checkSecret("Discord token", cfg.Channels.DiscordToken)
	checkSecret("Telegram token", cfg.Channels.TelegramToken)
	checkSecret("Agent binary", cfg.Agent.BinaryPath)

	fmt.Println()
	fmt.Println("  Agent:")
	fmt.Printf("    %-14s %s\n", "Provider:", cfg.Agent.Provider)
	checkBinary(cfg.Agent.BinaryPath)

	fmt.Println()
	fmt.Println("  State:")
	stateDir := config.ExpandHome(cfg.StateDir)
	fmt.Printf("    %-14s %s\n", "Dir:", stateDir)
	checkWritable("State dir", stateDir)

	researchRoot := config.ExpandHome(cfg.ResearchProjectsRoot)
	if researchRoot != "" {
		fmt.Printf("    %-14s %s\n", "Research dir:", researchRoot)
		checkWritable("Research dir", researchRoot)
	}

	if cfg.AdminListenAddr != "" {
		fmt.Println()
		fmt.Printf("  Admin HTTP:     %s\n", cfg.AdminListenAddr)
	}

	if err := cfg.RequireSecrets(); err != nil {
		fmt.Println()
		fmt.Printf("  FATAL: %s\n", err)
		os.Exit(1)
	}
}

func checkSecret(label, value string) {
	if value == "" {
		fmt.Printf("    %-16s MISSING\n", label+":")
		return
	}
	fmt.Printf("    %-16s set (%d chars)\n", label+":", len(value))
}

func checkBinary(path string) {
	if path == "" {
		fmt.Printf("    %-14s MISSING\n", "Binary:")
		return
	}
	if _, err := exec.LookPath(path); err != nil {
		if _, statErr := os.Stat(path); statErr != nil {
			fmt.Printf("    %-14s NOT FOUND (%s)\n", "Binary:", path)
			return
		}
	}
	fmt.Printf("    %-14s OK (%s)\n", "Binary:", path)
}

func checkWritable(label, dir string) {
	if dir == "" {
		fmt.Printf("    %-14s MISSING\n", label+":")
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Printf("    %-14s NOT WRITABLE (%s)\n", label+":", err)
		return
	}
	fmt.Printf("    %-14s writable\n", label+":")
}

// promptGenerateConfig offers to scaffold a default relay.json5 when none
// is found, via an interactive confirm.
func promptGenerateConfig(cfgPath string) bool {
	if !isInteractive() {
		return false
	}
	var generate bool
	err := huh.NewConfirm().
		Title(fmt.Sprintf("No config found at %s. Write documented defaults there?", cfgPath)).
		Affirmative("Yes").
		Negative("No").
		Value(&generate).
		Run()
	if err != nil {
		return false
	}
	return generate
}

func isInteractive() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
