// Package service provisions the homeserver the test suite talks to.
//
// One container is started per run, published on a fixed port, and polled
// until its readiness endpoint answers. The instance lives exactly as long as
// the run: the caller must Stop it whatever the outcome.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"covpipe/internal/proc"
)

// Environment variables understood by the homeserver image.
const (
	EnvDatabase   = "SYNAPSE_COMPLEMENT_DATABASE"
	EnvServerName = "SYNAPSE_SERVER_NAME"
)

var (
	// ErrStart reports that the container could not be created (pull or run failed).
	ErrStart = errors.New("service failed to start")
	// ErrNotReady reports that the container never answered its readiness probe.
	ErrNotReady = errors.New("service did not become ready")
)

type Options struct {
	Image    string
	Hostname string
	// Host and Port are where the runner reaches the published port.
	Host string
	Port int
	// Network, when set, attaches the container to a user-defined network
	// under the alias Hostname.
	Network string

	Database   string
	ServerName string

	ReadyPath    string
	ReadyTimeout time.Duration
	PollInterval time.Duration

	DockerBin string
	// BaseEnv is the environment for the container CLI itself.
	BaseEnv []string
	Output  io.Writer
}

// Endpoint holds the connection values the test runner must use verbatim.
type Endpoint struct {
	BaseURL string
	Domain  string
}

type Provisioner struct {
	exec   proc.Executor
	opts   Options
	client *http.Client
	logger *slog.Logger
}

func NewProvisioner(exec proc.Executor, opts Options, logger *slog.Logger) (*Provisioner, error) {
	if exec == nil {
		return nil, errors.New("service: executor is nil")
	}
	if strings.TrimSpace(opts.Image) == "" {
		return nil, errors.New("service: image is required")
	}
	if strings.TrimSpace(opts.Hostname) == "" {
		return nil, errors.New("service: hostname is required")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("service: invalid port %d", opts.Port)
	}
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.DockerBin == "" {
		opts.DockerBin = "docker"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Provisioner{
		exec:   exec,
		opts:   opts,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}, nil
}

// Endpoint returns the values Start publishes. They are derived from the
// same options the container is started with.
func (p *Provisioner) Endpoint() Endpoint {
	return Endpoint{
		BaseURL: "http://" + net.JoinHostPort(p.opts.Host, strconv.Itoa(p.opts.Port)),
		Domain:  p.opts.ServerName,
	}
}

// ContainerName is the name used for the run's sidecar.
func (p *Provisioner) ContainerName(runID string) string {
	return "covpipe-" + sanitizeName(runID) + "-" + sanitizeName(p.opts.Hostname)
}

// Start creates the sidecar and blocks until it is ready. On failure the
// container is removed before returning and no Instance exists.
func (p *Provisioner) Start(ctx context.Context, runID string) (*Instance, error) {
	name := p.ContainerName(runID)
	port := strconv.Itoa(p.opts.Port)

	args := []string{
		"run",
		"--detach",
		"--name", name,
		"--hostname", p.opts.Hostname,
		"--publish", port + ":" + port,
	}
	if p.opts.Network != "" {
		args = append(args, "--network", p.opts.Network, "--network-alias", p.opts.Hostname)
	}
	if p.opts.Database != "" {
		args = append(args, "--env", EnvDatabase+"="+p.opts.Database)
	}
	if p.opts.ServerName != "" {
		args = append(args, "--env", EnvServerName+"="+p.opts.ServerName)
	}
	args = append(args, p.opts.Image)

	p.logger.Info("starting service", "image", p.opts.Image, "container", name, "port", p.opts.Port)
	code, err := p.exec.Run(ctx, proc.Cmd{
		Name:   p.opts.DockerBin,
		Args:   args,
		Env:    p.opts.BaseEnv,
		Stdout: p.opts.Output,
		Stderr: p.opts.Output,
	})
	if err != nil {
		// The daemon may have created the container before the client gave up.
		p.remove(name)
		return nil, fmt.Errorf("%w: %s run: %w", ErrStart, p.opts.DockerBin, err)
	}
	if code != 0 {
		p.remove(name)
		return nil, fmt.Errorf("%w: %s run exited with %d", ErrStart, p.opts.DockerBin, code)
	}

	inst := &Instance{Name: name, Endpoint: p.Endpoint(), p: p}
	if err := p.waitReady(ctx); err != nil {
		p.remove(name)
		return nil, err
	}
	p.logger.Info("service ready", "container", name, "url", inst.Endpoint.BaseURL)
	return inst, nil
}

func (p *Provisioner) waitReady(ctx context.Context) error {
	probeURL := p.Endpoint().BaseURL + p.opts.ReadyPath
	ctx, cancel := context.WithTimeout(ctx, p.opts.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		status, err := p.probe(ctx, probeURL)
		if err == nil && status == http.StatusOK {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("status %d", status)
		}
		p.logger.Debug("service not ready", "url", probeURL, "err", lastErr)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s after %s: %v", ErrNotReady, probeURL, p.opts.ReadyTimeout, lastErr)
		case <-ticker.C:
		}
	}
}

func (p *Provisioner) probe(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// remove force-removes a container. It runs on a fresh context so cleanup
// still happens when the run's context is already cancelled.
func (p *Provisioner) remove(name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	code, err := p.exec.Run(ctx, proc.Cmd{
		Name:   p.opts.DockerBin,
		Args:   []string{"rm", "--force", "--volumes", name},
		Env:    p.opts.BaseEnv,
		Stdout: p.opts.Output,
		Stderr: p.opts.Output,
	})
	if err != nil {
		p.logger.Warn("service cleanup failed", "container", name, "err", err)
		return err
	}
	if code != 0 {
		err := fmt.Errorf("%s rm exited with %d", p.opts.DockerBin, code)
		p.logger.Warn("service cleanup failed", "container", name, "err", err)
		return err
	}
	return nil
}

// Instance is a running sidecar bound to one run.
type Instance struct {
	Name     string
	Endpoint Endpoint
	p        *Provisioner
}

// Stop removes the container. Safe to call on a nil Instance.
func (i *Instance) Stop() error {
	if i == nil || i.p == nil {
		return nil
	}
	i.p.logger.Info("stopping service", "container", i.Name)
	return i.p.remove(i.Name)
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "run"
	}
	return b.String()
}
