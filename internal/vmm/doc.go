// Package vmm defines the backend abstraction that drives a single
// microVM's lifecycle: a per-VM client (Vmm), a subprocess handle
// (Process), and a factory that spawns the two (Backend). The manager
// package is generic over Backend so the same lifecycle code drives the
// cloud-hypervisor reference backend, the firecracker backend, and the
// in-memory test double in vmmtest.
package vmm
