// Package e2e drives the worker's HTTP surface end to end: a real
// commandbus, manager, and rpcadapter server wired together, backed by
// the vmm.Backend test double rather than a real hypervisor. This
// exercises the full request path — JSON decode, precondition
// validation, command dispatch, reply — without requiring
// cloud-hypervisor or firecracker to be installed on the test host.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/vanguard/internal/commandbus"
	"github.com/seantiz/vanguard/internal/idgen"
	"github.com/seantiz/vanguard/internal/manager"
	"github.com/seantiz/vanguard/internal/rpcadapter"
	"github.com/seantiz/vanguard/internal/vmm"
	"github.com/seantiz/vanguard/internal/vmm/vmmtest"
)

func startWorker(t *testing.T) *httptest.Server {
	t.Helper()

	backend := vmmtest.NewBackend()
	bus := commandbus.New(32)
	ids := idgen.New()
	logger := testLogger()
	mgr := manager.New(backend, bus, ids, logger, manager.Config{
		WorkerID:           "e2e-worker",
		DeleteGraceTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go mgr.Run(ctx)
	t.Cleanup(cancel)

	srv := rpcadapter.NewServer("", bus, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func validSpec() vmm.Spec {
	return vmm.Spec{
		Toplevel:      "/store/a-system",
		KernelPath:    "/boot/vmlinux",
		InitrdPath:    "/boot/initrd",
		DiskImagePath: "/images/rootfs.ext4",
		Cmdline:       "console=ttyS0",
		CPU:           2,
		MemoryMB:      1024,
	}
}

func TestWorkerLifecycleOverHTTP(t *testing.T) {
	ts := startWorker(t)

	body, err := json.Marshal(validSpec())
	if err != nil {
		t.Fatalf("marshal spec: %v", err)
	}
	resp, err := http.Post(ts.URL+"/v1/vms", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/vms: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	resp.Body.Close()
	if created.ID == "" {
		t.Fatal("create response has empty id")
	}

	listResp, err := http.Get(ts.URL + "/v1/vms")
	if err != nil {
		t.Fatalf("GET /v1/vms: %v", err)
	}
	var listed struct {
		VMs []manager.VMInfo `json:"vms"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	listResp.Body.Close()
	if len(listed.VMs) != 1 || listed.VMs[0].ID.String() != created.ID {
		t.Fatalf("list = %+v, want one vm with id %s", listed.VMs, created.ID)
	}

	statusResp, err := http.Get(ts.URL + "/v1/worker")
	if err != nil {
		t.Fatalf("GET /v1/worker: %v", err)
	}
	var worker manager.WorkerInfo
	if err := json.NewDecoder(statusResp.Body).Decode(&worker); err != nil {
		t.Fatalf("decode worker response: %v", err)
	}
	statusResp.Body.Close()
	if worker.LiveVMCount != 1 {
		t.Errorf("LiveVMCount = %d, want 1", worker.LiveVMCount)
	}

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/vms/"+created.ID, nil)
	if err != nil {
		t.Fatalf("build delete request: %v", err)
	}
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /v1/vms/%s: %v", created.ID, err)
	}
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want %d", delResp.StatusCode, http.StatusOK)
	}
	delResp.Body.Close()

	listResp2, err := http.Get(ts.URL + "/v1/vms")
	if err != nil {
		t.Fatalf("GET /v1/vms after delete: %v", err)
	}
	var listedAfter struct {
		VMs []manager.VMInfo `json:"vms"`
	}
	if err := json.NewDecoder(listResp2.Body).Decode(&listedAfter); err != nil {
		t.Fatalf("decode post-delete list response: %v", err)
	}
	listResp2.Body.Close()
	if len(listedAfter.VMs) != 0 {
		t.Errorf("post-delete list = %+v, want empty", listedAfter.VMs)
	}
}

func TestWorkerRejectsInvalidSpecBeforeDispatch(t *testing.T) {
	ts := startWorker(t)

	bad := validSpec()
	bad.CPU = 0
	body, _ := json.Marshal(bad)

	resp, err := http.Post(ts.URL+"/v1/vms", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/vms: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestWorkerDeleteUnknownVMReturnsNotFound(t *testing.T) {
	ts := startWorker(t)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/vms/does-not-exist", nil)
	if err != nil {
		t.Fatalf("build delete request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}
