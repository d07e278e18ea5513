package cloudhv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/seantiz/vanguard/internal/vmm"
)

// client is a thin HTTP client over cloud-hypervisor's control socket.
// Each vmm.Vmm operation is exactly one request/response against the
// documented REST API. One client owns one dedicated transport — unlike a
// normal HTTP client, there is no benefit to pooling connections across
// VMs, since each VM has its own socket, so keep-alives are disabled to
// avoid accumulating stale connections across repeated Spawn/Delete
// cycles.
type client struct {
	http       *http.Client
	socketPath string
}

func newClient(socketPath string) *client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
		DisableKeepAlives: true,
	}
	return &client{
		http:       &http.Client{Transport: transport, Timeout: 10 * time.Second},
		socketPath: socketPath,
	}
}

const baseURL = "http://localhost/api/v1"

func (c *client) put(ctx context.Context, path string, body any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: Protocol, Op: path, Err: fmt.Errorf("marshal request: %w", err)}
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, baseURL+path, reader)
	if err != nil {
		return &Error{Kind: Protocol, Op: path, Err: err}
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: Transport, Op: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		return &Error{Kind: BackendFailure, Op: path, Payload: string(payload)}
	}
	return nil
}

func (c *client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return &Error{Kind: Protocol, Op: path, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: Transport, Op: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		return &Error{Kind: BackendFailure, Op: path, Payload: string(payload)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: Protocol, Op: path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

type createPayload struct {
	Kernel  string      `json:"kernel"`
	Initrd  string      `json:"initramfs,omitempty"`
	Cmdline string      `json:"cmdline"`
	CPUs    cpusField   `json:"cpus"`
	Memory  memoryField `json:"memory"`
	Disks   []diskField `json:"disks"`
}

type cpusField struct {
	BootVCPUs int `json:"boot_vcpus"`
	MaxVCPUs  int `json:"max_vcpus"`
}

type memoryField struct {
	SizeBytes int64 `json:"size"`
}

type diskField struct {
	Path string `json:"path"`
}

type infoResponse struct {
	State string `json:"state"`
}

type countersResponse map[string]map[string]uint64

// Client is the vmm.Vmm implementation for one cloud-hypervisor instance.
type Client struct {
	c    *client
	cfg  vmm.Config
}

func newClientForSocket(socketPath string) *Client {
	return &Client{c: newClient(socketPath)}
}

func (v *Client) Create(ctx context.Context, cfg vmm.Config) error {
	v.cfg = cfg
	payload := createPayload{
		Kernel:  cfg.KernelPath,
		Initrd:  cfg.InitrdPath,
		Cmdline: cfg.Cmdline,
		CPUs:    cpusField{BootVCPUs: cfg.CPU, MaxVCPUs: cfg.CPU},
		Memory:  memoryField{SizeBytes: int64(cfg.MemoryMB) * 1024 * 1024},
		Disks:   []diskField{{Path: cfg.DiskImagePath}},
	}
	return v.c.put(ctx, "/vm.create", payload)
}

func (v *Client) Boot(ctx context.Context) error {
	return v.c.put(ctx, "/vm.boot", nil)
}

func (v *Client) Shutdown(ctx context.Context) error {
	return v.c.put(ctx, "/vm.shutdown", nil)
}

func (v *Client) Delete(ctx context.Context) error {
	return v.c.put(ctx, "/vm.delete", nil)
}

func (v *Client) Pause(ctx context.Context) error {
	return v.c.put(ctx, "/vm.pause", nil)
}

func (v *Client) Resume(ctx context.Context) error {
	return v.c.put(ctx, "/vm.resume", nil)
}

func (v *Client) Info(ctx context.Context) (vmm.Info, error) {
	var resp infoResponse
	if err := v.c.get(ctx, "/vm.info", &resp); err != nil {
		return vmm.Info{}, err
	}
	alive := resp.State != "Shutdown" && resp.State != ""
	return vmm.Info{Alive: alive, Reason: resp.State}, nil
}

func (v *Client) Counters(ctx context.Context) (vmm.Counters, error) {
	var resp countersResponse
	if err := v.c.get(ctx, "/vm.counters", &resp); err != nil {
		return vmm.Counters{}, err
	}
	var out vmm.Counters
	for _, dev := range resp {
		out.NetBytesIn += dev["rx_bytes"]
		out.NetBytesOut += dev["tx_bytes"]
	}
	return out, nil
}

func (v *Client) Ping(ctx context.Context) error {
	_, err := v.Info(ctx)
	return err
}

var _ vmm.Vmm = (*Client)(nil)
