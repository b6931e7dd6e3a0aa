package commands

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/marmos91/coyote/pkg/adapter"
	"github.com/marmos91/coyote/pkg/api"
	"github.com/marmos91/coyote/pkg/connection"
	"github.com/marmos91/coyote/pkg/digest"
	"github.com/marmos91/coyote/pkg/executor"
	"github.com/marmos91/coyote/pkg/protocol/lineproto"
)

func newAPI(t *testing.T, auth bool) (*httptest.Server, *api.Connector) {
	t.Helper()
	proto := lineproto.New()
	d := connection.NewDispatcher(proto)
	conn := &api.Connector{
		Endpoint:   adapter.NewEndpoint(adapter.Config{Port: 7070}, proto.Name(), d),
		Dispatcher: d,
		Async:      proto,
		Executor:   executor.New(4),
	}
	opts := api.Options{Connector: conn}
	if auth {
		opts.Authenticator = digest.New(digest.NewStaticRealm("coyote", map[string]string{"admin": "secret"}))
	}
	srv := httptest.NewServer(api.NewRouter(opts))
	t.Cleanup(srv.Close)
	return srv, conn
}

func TestFetchStatus_NotRunning(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	status := fetchStatus(newStatusClient("", ""), url)
	if status.Running {
		t.Error("Expected server to be reported as not running")
	}
}

func TestFetchStatus_Running(t *testing.T) {
	srv, _ := newAPI(t, false)

	status := fetchStatus(newStatusClient("", ""), srv.URL+"/")
	if !status.Running || !status.Healthy {
		t.Fatalf("Expected running and healthy, got %+v", status)
	}
	if status.Protocol != "line" || status.Port != 7070 {
		t.Errorf("Unexpected connector fields: %+v", status)
	}
}

func TestFetchStatus_Paused(t *testing.T) {
	srv, conn := newAPI(t, false)
	conn.Endpoint.Pause()

	status := fetchStatus(newStatusClient("", ""), srv.URL)
	if !status.Running || status.Healthy || !status.Paused {
		t.Errorf("Expected running, not ready and paused, got %+v", status)
	}
}

func TestFetchStatus_Digest(t *testing.T) {
	srv, _ := newAPI(t, true)

	status := fetchStatus(newStatusClient("", ""), srv.URL)
	if !strings.Contains(status.Message, "digest credentials") {
		t.Errorf("Expected a credentials hint, got %q", status.Message)
	}

	status = fetchStatus(newStatusClient("admin", "secret"), srv.URL)
	if status.Protocol != "line" {
		t.Errorf("Expected status with credentials, got %+v", status)
	}
}

func TestPrintStatusTable(t *testing.T) {
	var buf bytes.Buffer
	statusCmd.SetOut(&buf)
	defer statusCmd.SetOut(nil)

	err := printStatusTable(statusCmd, ServerStatus{
		Running:  true,
		Healthy:  true,
		Message:  "Server is running and healthy",
		Protocol: "line",
		Port:     7070,
	})
	if err != nil {
		t.Fatalf("printStatusTable failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"Running", "Protocol", "line", "7070", "healthy"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q:\n%s", want, out)
		}
	}
}

func TestVersionShort(t *testing.T) {
	var buf bytes.Buffer
	root := GetRootCmd()
	root.SetOut(&buf)
	root.SetArgs([]string{"version", "--short"})
	defer func() {
		root.SetOut(nil)
		root.SetArgs(nil)
		versionShort = false
	}()

	if err := root.Execute(); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != Version {
		t.Errorf("Expected %q, got %q", Version, got)
	}
}
