package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// controlAddr is the --addr flag shared by every control subcommand: the
// status/control API of an already-running "run"/"worker" instance.
var controlAddr string

var (
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "print the status of a running instance's job",
		RunE:  controlGet("/status"),
	}
	pauseCmd = &cobra.Command{
		Use:   "pause",
		Short: "pause a running instance's job",
		RunE:  controlPost("/pause"),
	}
	resumeCmd = &cobra.Command{
		Use:   "resume",
		Short: "resume a paused job",
		RunE:  controlPost("/resume"),
	}
	abortCmd = &cobra.Command{
		Use:   "abort",
		Short: "abort a running instance's job",
		RunE:  controlPost("/abort"),
	}
	reclaimCmd = &cobra.Command{
		Use:   "reclaim",
		Short: "sweep stale claims on a running distributed instance's job",
		RunE:  controlPost("/reclaim"),
	}
)

func init() {
	for _, cmd := range []*cobra.Command{statusCmd, pauseCmd, resumeCmd, abortCmd, reclaimCmd} {
		cmd.Flags().StringVar(&controlAddr, "addr", "http://localhost:8081", "status/control API base address")
		rootCmd.AddCommand(cmd)
	}
}

func controlGet(path string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return callControlAPI(http.MethodGet, path)
	}
}

func controlPost(path string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return callControlAPI(http.MethodPost, path)
	}
}

func callControlAPI(method, path string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(method, controlAddr+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", controlAddr+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Println(string(body))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return nil
}
