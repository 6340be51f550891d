// Package qlean provides ephemeral QEMU/KVM virtual machines as fixtures
// for integration tests that need root privileges, kernel surfaces, or
// multi-host topologies.
//
// A test acquires a base image from the Store, constructs one or more
// Machines (or a Pool of them), drives the guests over an SSH command
// channel, and tears everything down. The library guarantees that QEMU
// processes, disk artifacts and bridge networking are cleaned up whether
// the test succeeds, fails or is cancelled.
//
// # Machines
//
// Each Machine boots a copy-on-write qcow2 overlay of a cached distro
// cloud image. First boot (Init) attaches a cloud-init NoCloud seed ISO
// that authorizes the machine's generated SSH key for root, then powers
// the guest back off. Subsequent boots (Spawn) use the customized overlay
// only. Once Running, Exec runs shell commands in the guest, Upload and
// Download move file trees over SFTP, and Machine.FS exposes
// filesystem-style operations built on Exec.
//
// A Pool manages a named set of Machines: InitAll, SpawnAll and
// ShutdownAll drive every member concurrently and report each member's
// failure rather than stopping at the first. The WithMachine and WithPool
// brackets wrap construction, the test body and teardown for callers that
// want the lifecycle handled on every exit path.
//
// # Networking
//
// All machines attach to a shared libvirt NAT network named "qlean" with
// bridge qlbr0. The network is defined and started on first use and torn
// down when the last machine releases it, unless the operator started it
// beforehand. Guests lease addresses in 192.168.221.0/24 by default; the
// subnet is operator-editable via the network.xml file in the data
// directory. On hosts without the bridge ACL, machines fall back to a
// user-mode NIC with an SSH port forward, losing guest-to-guest
// reachability.
//
// # Host requirements
//
// qemu-system-x86_64, qemu-img, virsh, guestfish, virt-copy-out, xorriso
// and the coreutils checksum tools must be on PATH, qemu-bridge-helper
// needs cap_net_admin, and /etc/qemu/bridge.conf must allow qlbr0.
// CheckHost reports missing tools and a missing bridge ACL; it does not
// check qemu-bridge-helper's capability. The library never escalates
// privileges to fix host configuration.
package qlean // import "github.com/genedna/qlean"
