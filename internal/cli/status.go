package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/andywolf/issuelens/internal/events"
	"github.com/andywolf/issuelens/internal/runstore"
	"github.com/andywolf/issuelens/internal/version"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Check the status of a server run",
	Long: `Check the status of a run started with POST /api/analyze/start.

With --watch, polls until the run completes or fails, printing trace events
as they arrive.

Examples:
  issuelens status 3f1c2a9e-6f0b-4d4e-a0e2-1a7c4ab0f9d2
  issuelens status 3f1c2a9e-6f0b-4d4e-a0e2-1a7c4ab0f9d2 --watch --server http://analyzer:8080`,
	Args: cobra.ExactArgs(1),
	RunE: checkStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("server", "http://localhost:8080", "Server base URL")
	statusCmd.Flags().Bool("watch", false, "Poll until the run finishes")
	statusCmd.Flags().Duration("interval", 2*time.Second, "Watch interval")
}

// statusClient polls GET /api/analyze/status.
type statusClient struct {
	baseURL string
	http    *http.Client
}

func (c *statusClient) fetch(ctx context.Context, runID string, after int) (runstore.Snapshot, error) {
	var snap runstore.Snapshot

	q := url.Values{}
	q.Set("runId", runID)
	q.Set("after", strconv.Itoa(after))
	endpoint := strings.TrimRight(c.baseURL, "/") + "/api/analyze/status?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return snap, err
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return snap, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return snap, fmt.Errorf("read status response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return snap, fmt.Errorf("status %d: %s", resp.StatusCode, e.Error)
		}
		return snap, fmt.Errorf("status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &snap); err != nil {
		return snap, fmt.Errorf("decode status response: %w", err)
	}
	return snap, nil
}

// watch polls until the run is terminal, handing each batch of new trace
// events to onTrace. The after cursor makes every event arrive exactly once.
func (c *statusClient) watch(ctx context.Context, runID string, interval time.Duration, onTrace func([]events.TraceEvent)) (runstore.Snapshot, []events.TraceEvent, error) {
	var all []events.TraceEvent
	after := 0
	for {
		snap, err := c.fetch(ctx, runID, after)
		if err != nil {
			return snap, all, err
		}
		if len(snap.Trace) > 0 {
			all = append(all, snap.Trace...)
			if onTrace != nil {
				onTrace(snap.Trace)
			}
		}
		after = snap.TraceIndex
		if snap.Status.Terminal() {
			return snap, all, nil
		}

		select {
		case <-ctx.Done():
			return snap, all, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func checkStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	runID := args[0]

	baseURL, _ := cmd.Flags().GetString("server")
	watchFlag, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")

	client := &statusClient{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}
	out := cmd.OutOrStdout()

	if !watchFlag {
		snap, err := client.fetch(ctx, runID, 0)
		if err != nil {
			return err
		}
		renderRunStatus(out, snap)
		fmt.Fprintln(out)
		renderTrace(out, snap.Trace)
		return nil
	}

	snap, trace, err := client.watch(ctx, runID, interval, func(batch []events.TraceEvent) {
		for _, ev := range batch {
			fmt.Fprintf(out, "%s  %-24s %s\n", ev.Timestamp.Local().Format("15:04:05"), ev.Stage, statusText(ev.Status))
		}
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	renderRunStatus(out, snap)
	fmt.Fprintln(out)
	renderTrace(out, trace)
	return nil
}
