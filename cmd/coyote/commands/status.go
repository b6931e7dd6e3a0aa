package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/coyote/internal/cli/output"
	"github.com/marmos91/coyote/pkg/api/handlers"
	"github.com/marmos91/coyote/pkg/digest"
)

// EnvStatusPassword supplies the digest password when --password is empty.
const EnvStatusPassword = "COYOTE_PASSWORD"

var (
	statusOutput   string
	statusAPIURL   string
	statusUser     string
	statusPassword string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Long: `Display the current status of a running Coyote server.

This command calls the health and status endpoints of the API server.
When the status API requires Digest authentication pass --user; the
password is read from --password or the COYOTE_PASSWORD environment
variable.

Examples:
  # Check status of a local server
  coyote status

  # Authenticate against a remote server
  COYOTE_PASSWORD=secret coyote status --api-url http://host:8080 --user admin

  # Output as JSON
  coyote status --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAPIURL, "api-url", "http://localhost:8080", "API server base URL")
	statusCmd.Flags().StringVarP(&statusUser, "user", "u", "", "Digest username")
	statusCmd.Flags().StringVar(&statusPassword, "password", "", "Digest password (default: $"+EnvStatusPassword+")")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

// ServerStatus is what the status command reports.
type ServerStatus struct {
	Running           bool   `json:"running" yaml:"running"`
	Healthy           bool   `json:"healthy" yaml:"healthy"`
	Message           string `json:"message" yaml:"message"`
	Protocol          string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Port              int    `json:"port,omitempty" yaml:"port,omitempty"`
	Paused            bool   `json:"paused" yaml:"paused"`
	ActiveConnections int    `json:"active_connections" yaml:"active_connections"`
	AsyncInProgress   int64  `json:"async_in_progress" yaml:"async_in_progress"`
	BoundProcessors   int    `json:"bound_processors" yaml:"bound_processors"`
	WaitingProcessors int    `json:"waiting_processors" yaml:"waiting_processors"`
	PooledProcessors  int    `json:"pooled_processors" yaml:"pooled_processors"`
	ExecutorRunning   int    `json:"executor_running" yaml:"executor_running"`
	ExecutorQueued    int    `json:"executor_queued" yaml:"executor_queued"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	password := statusPassword
	if password == "" {
		password = os.Getenv(EnvStatusPassword)
	}

	status := fetchStatus(newStatusClient(statusUser, password), statusAPIURL)

	if format == output.FormatTable {
		return printStatusTable(cmd, status)
	}
	return output.Print(cmd.OutOrStdout(), format, status)
}

func newStatusClient(user, password string) *http.Client {
	c := &http.Client{Timeout: 5 * time.Second}
	if user != "" {
		c.Transport = &digest.Transport{Username: user, Password: password}
	}
	return c
}

// fetchStatus never fails: unreachable or rejecting servers are described
// in the returned Message.
func fetchStatus(c *http.Client, baseURL string) ServerStatus {
	baseURL = strings.TrimRight(baseURL, "/")
	status := ServerStatus{Message: "Server is not running"}

	var health handlers.Response
	code, err := getJSON(c, baseURL+"/health/ready", &health)
	if err != nil {
		return status
	}
	status.Running = true
	status.Healthy = code == http.StatusOK

	var resp struct {
		Error string                   `json:"error"`
		Data  handlers.ConnectorStatus `json:"data"`
	}
	code, err = getJSON(c, baseURL+"/status", &resp)
	switch {
	case err != nil:
		status.Message = fmt.Sprintf("Server is running but status is unavailable: %v", err)
		return status
	case code == http.StatusUnauthorized:
		status.Message = "Server is running; status requires digest credentials (--user)"
		return status
	case code != http.StatusOK:
		status.Message = fmt.Sprintf("Server is running but status returned %d: %s", code, resp.Error)
		return status
	}

	d := resp.Data
	status.Protocol = d.Protocol
	status.Port = d.Port
	status.Paused = d.Paused
	status.ActiveConnections = d.ActiveConnections
	status.AsyncInProgress = d.AsyncInProgress
	status.BoundProcessors = d.Dispatcher.Bound
	status.WaitingProcessors = d.Dispatcher.Waiting
	status.PooledProcessors = d.Dispatcher.PoolSize
	status.ExecutorRunning = d.Executor.Running
	status.ExecutorQueued = d.Executor.Queued

	switch {
	case d.Paused:
		status.Message = "Server is running; connector paused"
	case status.Healthy:
		status.Message = "Server is running and healthy"
	default:
		status.Message = fmt.Sprintf("Server is running but unhealthy: %s", health.Error)
	}
	return status
}

func getJSON(c *http.Client, url string, v any) (int, error) {
	resp, err := c.Get(url)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil && resp.StatusCode == http.StatusOK {
		return resp.StatusCode, fmt.Errorf("invalid response: %w", err)
	}
	return resp.StatusCode, nil
}

func printStatusTable(cmd *cobra.Command, status ServerStatus) error {
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, "Coyote Server Status")
	_, _ = fmt.Fprintln(out, "====================")
	_, _ = fmt.Fprintln(out)

	if !status.Running {
		_, _ = fmt.Fprintf(out, "  Status:     \033[31m○ Stopped\033[0m\n\n")
		_, _ = fmt.Fprintf(out, "  %s\n\n", status.Message)
		return nil
	}

	if status.Healthy {
		_, _ = fmt.Fprintf(out, "  Status:     \033[32m● Running\033[0m\n")
	} else {
		_, _ = fmt.Fprintf(out, "  Status:     \033[33m● Running (not ready)\033[0m\n")
	}
	_, _ = fmt.Fprintln(out)

	if status.Protocol != "" {
		if err := output.SimpleTable(out, [][2]string{
			{"Protocol", status.Protocol},
			{"Port", strconv.Itoa(status.Port)},
			{"Paused", strconv.FormatBool(status.Paused)},
			{"Connections", strconv.Itoa(status.ActiveConnections)},
			{"Async in progress", strconv.FormatInt(status.AsyncInProgress, 10)},
			{"Processors bound", strconv.Itoa(status.BoundProcessors)},
			{"Processors waiting", strconv.Itoa(status.WaitingProcessors)},
			{"Processors pooled", strconv.Itoa(status.PooledProcessors)},
			{"Executor running", strconv.Itoa(status.ExecutorRunning)},
			{"Executor queued", strconv.Itoa(status.ExecutorQueued)},
		}); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out)
	}

	_, _ = fmt.Fprintf(out, "  %s\n\n", status.Message)
	return nil
}
