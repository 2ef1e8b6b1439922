package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"covpipe/internal/proc"
	"covpipe/internal/proc/proctest"
)

func serverHostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func newTestProvisioner(t *testing.T, exec proc.Executor, host string, port int, timeout time.Duration) *Provisioner {
	t.Helper()
	p, err := NewProvisioner(exec, Options{
		Image:        "ghcr.io/example/homeserver:1",
		Hostname:     "synapse",
		Host:         host,
		Port:         port,
		Database:     "sqlite",
		ServerName:   "synapse",
		ReadyPath:    "/_matrix/client/versions",
		ReadyTimeout: timeout,
		PollInterval: 10 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewProvisioner: %v", err)
	}
	return p
}

func TestStart_WaitsForReadinessAndPublishesEndpoint(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/versions" {
			http.NotFound(w, r)
			return
		}
		// Not ready for the first two probes.
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"versions":["v1.11"]}`))
	}))
	t.Cleanup(srv.Close)

	host, port := serverHostPort(t, srv)
	exec := proctest.New()
	p := newTestProvisioner(t, exec, host, port, 5*time.Second)

	inst, err := p.Start(context.Background(), "1234")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if hits.Load() < 3 {
		t.Fatalf("expected readiness polling, got %d probes", hits.Load())
	}
	if inst.Endpoint.BaseURL != srv.URL {
		t.Fatalf("BaseURL = %q, want %q", inst.Endpoint.BaseURL, srv.URL)
	}
	if inst.Endpoint.Domain != "synapse" {
		t.Fatalf("Domain = %q", inst.Endpoint.Domain)
	}

	runs := exec.Find("docker run")
	if len(runs) != 1 {
		t.Fatalf("expected one docker run, got %d", len(runs))
	}
	args := strings.Join(runs[0].Args, " ")
	for _, want := range []string{
		"--name covpipe-1234-synapse",
		"--publish " + strconv.Itoa(port) + ":" + strconv.Itoa(port),
		"--env SYNAPSE_COMPLEMENT_DATABASE=sqlite",
		"--env SYNAPSE_SERVER_NAME=synapse",
		"ghcr.io/example/homeserver:1",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("docker run args %q missing %q", args, want)
		}
	}

	if err := inst.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if rm := exec.Find("docker rm --force --volumes covpipe-1234-synapse"); len(rm) != 1 {
		t.Fatalf("expected container removal, calls: %v", exec.Calls())
	}
}

func TestStart_NotReadyRemovesContainer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	host, port := serverHostPort(t, srv)
	exec := proctest.New()
	p := newTestProvisioner(t, exec, host, port, 100*time.Millisecond)

	inst, err := p.Start(context.Background(), "r1")
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if inst != nil {
		t.Fatal("no instance may exist after a failed start")
	}
	if rm := exec.Find("docker rm"); len(rm) != 1 {
		t.Fatalf("expected cleanup after failed readiness, calls: %v", exec.Calls())
	}
}

func TestStart_RunFailureIsStartError(t *testing.T) {
	exec := proctest.New()
	exec.Handle("docker", func(ctx context.Context, cmd proc.Cmd) (int, error) {
		if len(cmd.Args) > 0 && cmd.Args[0] == "run" {
			return 125, nil // image pull failed
		}
		return 0, nil
	})
	p := newTestProvisioner(t, exec, "127.0.0.1", 1, time.Second)

	_, err := p.Start(context.Background(), "r2")
	if !errors.Is(err, ErrStart) {
		t.Fatalf("err = %v, want ErrStart", err)
	}
}

func TestStart_DockerMissingIsStartError(t *testing.T) {
	exec := proctest.New()
	exec.Handle("docker", func(ctx context.Context, cmd proc.Cmd) (int, error) {
		return -1, proc.ErrNotStarted
	})
	p := newTestProvisioner(t, exec, "127.0.0.1", 1, time.Second)

	if _, err := p.Start(context.Background(), "r3"); !errors.Is(err, ErrStart) {
		t.Fatalf("err = %v, want ErrStart", err)
	}
}

func TestStart_CancelledRunRemovesContainer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := proctest.New()
	exec.Handle("docker", func(c context.Context, cmd proc.Cmd) (int, error) {
		if cmd.Args[0] == "run" {
			// A newer run took over while the image was being pulled.
			cancel()
			return -1, c.Err()
		}
		return 0, nil
	})
	p := newTestProvisioner(t, exec, "127.0.0.1", 1, time.Second)

	_, err := p.Start(ctx, "r4")
	if !errors.Is(err, ErrStart) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want ErrStart wrapping context.Canceled", err)
	}
	if rm := exec.Find("docker rm --force --volumes covpipe-r4-synapse"); len(rm) != 1 {
		t.Fatalf("expected cleanup after cancelled docker run, calls: %v", exec.Calls())
	}
}

func TestStart_NetworkAlias(t *testing.T) {
	tests := []struct {
		name    string
		network string
		want    string
	}{
		{name: "no network", network: "", want: ""},
		{name: "user network", network: "ci-net", want: "--network ci-net --network-alias synapse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := proctest.New()
			exec.Handle("docker", func(ctx context.Context, cmd proc.Cmd) (int, error) {
				if cmd.Args[0] == "run" {
					return 125, nil
				}
				return 0, nil
			})
			p, err := NewProvisioner(exec, Options{
				Image:    "ghcr.io/example/homeserver:1",
				Hostname: "synapse",
				Port:     8008,
				Network:  tt.network,
			}, nil)
			if err != nil {
				t.Fatalf("NewProvisioner: %v", err)
			}
			_, _ = p.Start(context.Background(), "r5")

			runs := exec.Find("docker run")
			if len(runs) != 1 {
				t.Fatalf("expected one docker run, got %d", len(runs))
			}
			args := strings.Join(runs[0].Args, " ")
			if tt.want == "" {
				if strings.Contains(args, "--network") {
					t.Fatalf("unexpected network flags in %q", args)
				}
				return
			}
			if !strings.Contains(args, tt.want) {
				t.Fatalf("docker run args %q missing %q", args, tt.want)
			}
		})
	}
}

func TestNilInstanceStop(t *testing.T) {
	var inst *Instance
	if err := inst.Stop(); err != nil {
		t.Fatalf("Stop on nil: %v", err)
	}
}

func TestContainerName_Sanitizes(t *testing.T) {
	p := newTestProvisioner(t, proctest.New(), "localhost", 8008, time.Second)
	if got := p.ContainerName("PR #12/run"); got != "covpipe-pr--12-run-synapse" {
		t.Fatalf("ContainerName = %q", got)
	}
}
