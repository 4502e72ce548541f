package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/relaykit/internal/config"
	"github.com/nextlevelbuilder/relaykit/internal/state"
)

func stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or prune the relay state store",
	}
	cmd.AddCommand(stateInspectCmd(), stateGCCmd())
	return cmd
}

func stateInspectCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Dump sessions from the state store (read-only)",
		Run: func(cmd *cobra.Command, args []string) {
			runStateInspect(key)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "only dump this conversation key")
	return cmd
}

func stateGCCmd() *cobra.Command {
	var retentionDays int
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Prune job directories no longer referenced by any session",
		Run: func(cmd *cobra.Command, args []string) {
			runStateGC(retentionDays, dryRun)
		},
	}
	cmd.Flags().IntVar(&retentionDays, "retention-days", 0, "override jobsGCRetentionDays")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list directories that would be removed without deleting them")
	return cmd
}

func openStateStore() (*state.Store, *config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	stateDir := config.ExpandHome(cfg.StateDir)
	if stateDir == "" {
		stateDir = config.ExpandHome("~/.relay/state")
	}
	store, err := state.Open(filepath.Join(stateDir, "sessions.json"))
	if err != nil {
		return nil, nil, fmt.Errorf("open state store: %w", err)
	}
	return store, cfg, nil
}

func runStateInspect(onlyKey string) {
	store, _, err := openStateStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	keys := store.Keys()
	sort.Strings(keys)

	out := make(map[string]*state.Session, len(keys))
	for _, k := range keys {
		if onlyKey != "" && k != onlyKey {
			continue
		}
		if sess, ok := store.Get(k); ok {
			out[k] = sess
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintln(os.Stderr, "encode:", err)
		os.Exit(1)
	}
}

// runStateGC removes jobs/<convSlug>/<jobId> directories that (a) no
// session's Job slice references any more and (b) are older than the
// retention window (§C.2). Directories still reachable from a session,
// even a finished one, are never touched here; session.jobs capping is
// the Task Runner/dispatch layer's own concern.
func runStateGC(retentionDaysFlag int, dryRun bool) {
	store, cfg, err := openStateStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	retentionDays := cfg.Jobs.GCRetentionDays
	if retentionDaysFlag > 0 {
		retentionDays = retentionDaysFlag
	}
	if retentionDays <= 0 {
		retentionDays = 14
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	stateDir := config.ExpandHome(cfg.StateDir)
	if stateDir == "" {
		stateDir = config.ExpandHome("~/.relay/state")
	}
	jobsRoot := filepath.Join(stateDir, "jobs")

	referenced := make(map[string]bool)
	for _, key := range store.Keys() {
		sess, ok := store.Get(key)
		if !ok {
			continue
		}
		for _, job := range sess.Jobs {
			referenced[job.JobDir] = true
		}
	}

	convDirs, err := os.ReadDir(jobsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no jobs directory, nothing to gc")
			return
		}
		fmt.Fprintln(os.Stderr, "read jobs root:", err)
		os.Exit(1)
	}

	removed, kept := 0, 0
	for _, convDir := range convDirs {
		if !convDir.IsDir() {
			continue
		}
		convPath := filepath.Join(jobsRoot, convDir.Name())
		jobDirs, err := os.ReadDir(convPath)
		if err != nil {
			continue
		}
		for _, jobDir := range jobDirs {
			if !jobDir.IsDir() {
				continue
			}
			jobPath := filepath.Join(convPath, jobDir.Name())
			if referenced[jobPath] {
				kept++
				continue
			}
			info, err := jobDir.Info()
			if err != nil || info.ModTime().After(cutoff) {
				kept++
				continue
			}
			if dryRun {
				fmt.Println("would remove", jobPath)
				removed++
				continue
			}
			if err := os.RemoveAll(jobPath); err != nil {
				fmt.Fprintf(os.Stderr, "remove %s: %s\n", jobPath, err)
				continue
			}
			fmt.Println("removed", jobPath)
			removed++
		}
	}
	fmt.Printf("gc complete: %d removed, %d kept (retention %d days)\n", removed, kept, retentionDays)
}
