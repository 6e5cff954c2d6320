package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// scanPollInterval is how often --wait polls the job status.
const scanPollInterval = 500 * time.Millisecond

// newScanCmd creates the scan command. It talks to a running docsift
// service over HTTP; the service holds the data directory lock, so the
// CLI never opens the stores directly.
func newScanCmd() *cobra.Command {
	var addr string
	var scanPath string
	var wait bool

	cmd := &cobra.Command{
		Use:   "scan [path]",
		Short: "Trigger a folder scan on a running docsift service",
		Long: `Ask a running docsift service to scan its configured folder, or an
explicit path, for new and changed documents.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				scanPath = args[0]
			}
			return runScan(cmd, addr, scanPath, wait)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8970", "Base URL of the docsift service")
	cmd.Flags().StringVar(&scanPath, "path", "", "Folder to scan (default: the configured folder)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Block until the scan job reaches a terminal state")

	return cmd
}

func runScan(cmd *cobra.Command, addr, scanPath string, wait bool) error {
	client := &http.Client{Timeout: 30 * time.Second}

	body := map[string]any{}
	if scanPath != "" {
		body["path"] = scanPath
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	resp, err := client.Post(addr+"/api/v1/scan", "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("is the service running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return decodeAPIError(resp)
	}

	var accepted struct {
		JobID    string `json:"job_id"`
		ScanPath string `json:"scan_path"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return fmt.Errorf("decode scan response: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "scan started: job %s (path %s)\n", accepted.JobID, accepted.ScanPath)
	if !wait {
		return nil
	}

	return waitForScan(cmd, client, addr, accepted.JobID)
}

// waitForScan polls the job until it completes or fails.
func waitForScan(cmd *cobra.Command, client *http.Client, addr, jobID string) error {
	for {
		time.Sleep(scanPollInterval)

		resp, err := client.Get(addr + "/api/v1/scan/" + jobID)
		if err != nil {
			return err
		}

		var status struct {
			Status       string   `json:"status"`
			NewFiles     int      `json:"new_files"`
			SkippedFiles int      `json:"skipped_files"`
			ErrorCount   int      `json:"error_count"`
			Errors       []string `json:"errors"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&status)
		_ = resp.Body.Close()
		if decodeErr != nil {
			return fmt.Errorf("decode scan status: %w", decodeErr)
		}

		if status.Status == "running" {
			continue
		}

		fmt.Fprintf(cmd.OutOrStdout(), "scan %s: %d new, %d skipped, %d errors\n",
			status.Status, status.NewFiles, status.SkippedFiles, status.ErrorCount)
		for _, msg := range status.Errors {
			fmt.Fprintf(cmd.OutOrStdout(), "  error: %s\n", msg)
		}
		if status.Status == "failed" {
			return fmt.Errorf("scan failed")
		}
		return nil
	}
}

// decodeAPIError turns an error envelope into a CLI error.
func decodeAPIError(resp *http.Response) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
}
