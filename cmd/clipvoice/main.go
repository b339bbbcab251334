// The clipvoice CLI wraps common workflows: launching the binaries and
// submitting or inspecting jobs against a running API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var apiBase string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "clipvoice: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "clipvoice",
		Short:        "clipvoice operational CLI",
		Long:         `clipvoice CLI launches the service binaries and talks to a running API: submit a video, poll a job, list recent jobs.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&apiBase, "api", "http://localhost:8080", "Base URL of the clipvoice API")
	cmd.AddCommand(
		newRunCmd(),
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
	)
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run individual Go binaries directly",
	}
	cmd.AddCommand(
		newServiceRunner("server", "./cmd/server"),
		newServiceRunner("api", "./cmd/api"),
		newServiceRunner("worker", "./cmd/worker"),
	)
	return cmd
}

func newServiceRunner(name, path string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("go run %s", path),
		RunE: func(cmd *cobra.Command, args []string) error {
			goArgs := append([]string{"run", path}, args...)
			return runCommand(cmd.Context(), "go", goArgs...)
		},
	}
}

func newSubmitCmd() *cobra.Command {
	var source string
	var file string
	var voice string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a video for narration",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case source != "" && file != "":
				return fmt.Errorf("use either --source or --file, not both")
			case source != "":
				return submitSource(cmd.Context(), source, voice)
			case file != "":
				return submitFile(cmd.Context(), file, voice)
			default:
				return fmt.Errorf("either --source or --file is required")
			}
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "Video URL to fetch")
	cmd.Flags().StringVar(&file, "file", "", "Local video file to upload")
	cmd.Flags().StringVar(&voice, "voice", "", "Voice identifier for narration")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var watch bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job record, optionally polling until terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for {
				record, err := fetchJSON(cmd.Context(), apiBase+"/jobs/"+args[0])
				if err != nil {
					return err
				}
				printJSON(record)
				if !watch {
					return nil
				}
				var job struct {
					Status string `json:"status"`
				}
				if err := json.Unmarshal(record, &job); err == nil {
					if job.Status == "done" || job.Status == "failed" {
						return nil
					}
				}
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(interval):
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll until the job reaches done or failed")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Polling interval for --watch")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := fetchJSON(cmd.Context(), apiBase+"/jobs")
			if err != nil {
				return err
			}
			printJSON(record)
			return nil
		},
	}
}

func submitSource(ctx context.Context, source, voice string) error {
	body, _ := json.Marshal(map[string]string{"source": source, "voice": voice})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/jobs", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doSubmit(req)
}

func submitFile(ctx context.Context, path, voice string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		if voice != "" {
			if err := mw.WriteField("voice", voice); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/jobs", pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return doSubmit(req)
}

func doSubmit(req *http.Request) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("submit failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	printJSON(data)
	return nil
}

func fetchJSON(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("request failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func printJSON(data []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(buf.String())
}

func runCommand(ctx context.Context, name string, args ...string) error {
	execCmd := exec.CommandContext(ctx, name, args...)
	execCmd.Stdout = os.Stdout
	execCmd.Stderr = os.Stderr
	execCmd.Stdin = os.Stdin
	return execCmd.Run()
}
