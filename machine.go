package qlean

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// MachineState is a Machine's position in its lifecycle.
type MachineState string

const (
	StateNew         MachineState = "new"
	StateInitialized MachineState = "initialized"
	StateRunning     MachineState = "running"
	StateShutDown    MachineState = "shutdown"
	StateFailed      MachineState = "failed"
)

// ExecResult is the outcome of a guest command. A non-zero ExitStatus is
// a successful result, not an error.
type ExecResult struct {
	Stdout     []byte
	Stderr     []byte
	ExitStatus int
}

const (
	overlayName = "overlay.qcow2"
	seedName    = "seed.iso"
	machinesDir = "machines"
)

// Machine is a single virtual machine. Operations on a Machine are
// serialized by an internal mutex; it is safe to share across goroutines
// but calls block each other.
type Machine struct {
	id     string
	img    *Image
	cfg    *MachineConfig
	dir    string
	mac    net.HardwareAddr
	signer ssh.Signer
	pubKey string

	mu        sync.Mutex
	state     MachineState
	cmd       *exec.Cmd
	stopped   chan struct{}
	netHandle *NetworkHandle
	sshPort   int // user-mode SSH forward; 0 on the bridged path
	ip        net.IP
	ssh       *ssh.Client
	closed    bool

	log *log.Entry
}

// NewMachine creates a Machine in state New from a verified base image
// and a config. No processes are spawned until Init.
func NewMachine(img *Image, cfg *MachineConfig) (*Machine, error) {
	if img == nil || img.Path == "" {
		return nil, errors.New("no image")
	}
	cfg, err := validateMachineConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("validating machine config: %w", err)
	}

	id := uuid.NewString()
	dir := filepath.Join(cfg.DataDir, machinesDir, id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating machine dir: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ssh key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("wrapping ssh key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("wrapping ssh public key: %w", err)
	}

	m := &Machine{
		id:     id,
		img:    img,
		cfg:    cfg,
		dir:    dir,
		mac:    randomMAC(),
		signer: signer,
		pubKey: string(bytes.TrimSpace(ssh.MarshalAuthorizedKey(sshPub))),
		state:  StateNew,
		log: log.WithFields(log.Fields{
			"machine": cfg.Hostname,
			"id":      id[:8],
		}),
	}
	return m, nil
}

// ID returns the machine's UUID.
func (m *Machine) ID() string { return m.id }

// Hostname returns the guest hostname.
func (m *Machine) Hostname() string { return m.cfg.Hostname }

// Dir returns the per-machine state directory.
func (m *Machine) Dir() string { return m.dir }

// State returns the current lifecycle state.
func (m *Machine) State() MachineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) overlayPath() string { return filepath.Join(m.dir, overlayName) }
func (m *Machine) seedPath() string    { return filepath.Join(m.dir, seedName) }

// Init customizes the machine on its first boot: creates the overlay,
// builds the cloud-init seed, boots with both attached, waits for
// cloud-init to finish, and powers the guest back off. Init runs at most
// once per machine and is a prerequisite for Spawn.
func (m *Machine) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateNew {
		return &StateError{Op: "init", State: m.state}
	}
	if err := m.initLocked(ctx); err != nil {
		m.state = StateFailed
		m.reapLocked()
		return err
	}
	m.state = StateInitialized
	return nil
}

func (m *Machine) initLocked(ctx context.Context) error {
	handle, err := acquireNetwork(m.cfg.DataDir)
	switch {
	case err == nil:
		m.netHandle = handle
	case isSetupError(err):
		// No bridge on this host. Fall back to a user-mode NIC with an
		// SSH port forward; guests lose their leased addresses.
		port, perr := freePort()
		if perr != nil {
			return perr
		}
		m.sshPort = port
		m.log.WithFields(log.Fields{
			"error": err,
			"port":  port,
		}).Warn("bridged networking unavailable, using user-mode SSH forward")
	default:
		return err
	}

	if err := createOverlay(ctx, m.img.Path, m.overlayPath()); err != nil {
		return err
	}
	if m.cfg.DiskGiB > 0 {
		if err := resizeOverlay(ctx, m.overlayPath(), m.cfg.DiskGiB); err != nil {
			return err
		}
	}

	cached, err := buildSeed(ctx, m.cfg.DataDir, seedSpec{
		hostname:      m.cfg.Hostname,
		authorizedKey: m.pubKey,
	})
	if err != nil {
		return err
	}
	if err := copyFile(cached, m.seedPath()); err != nil {
		return fmt.Errorf("placing seed ISO: %w", err)
	}

	m.log.Info("booting for cloud-init")
	if err := m.boot(ctx, true); err != nil {
		return err
	}
	if err := m.waitReady(ctx, true); err != nil {
		return err
	}

	// Power off from inside; the SSH connection dying is expected.
	_, _ = m.run(ctx, "poweroff")
	m.dropSSHLocked()

	if err := m.awaitExit(m.cfg.Timeouts.Shutdown); err != nil {
		return err
	}
	m.cmd = nil
	m.ip = nil
	m.log.Info("cloud-init complete")
	return nil
}

// Spawn boots the customized overlay (no seed) and waits for the guest to
// become reachable. Requires Initialized or ShutDown.
func (m *Machine) Spawn(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInitialized && m.state != StateShutDown {
		return &StateError{Op: "spawn", State: m.state}
	}

	m.log.Info("booting")
	if err := m.boot(ctx, false); err != nil {
		m.state = StateFailed
		m.reapLocked()
		return err
	}
	if err := m.waitReady(ctx, false); err != nil {
		m.state = StateFailed
		m.reapLocked()
		return err
	}

	m.state = StateRunning
	m.log.WithField("ip", m.ip).Info("running")
	return nil
}

// boot spawns the QEMU process. Caller holds m.mu.
func (m *Machine) boot(ctx context.Context, withSeed bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command("qemu-system-x86_64", m.qemuArgs(withSeed)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if m.cfg.CommandLog != nil {
		cmd.Stdout = m.cfg.CommandLog
		cmd.Stderr = m.cfg.CommandLog
	}

	if err := cmd.Start(); err != nil {
		return &VMError{Hostname: m.cfg.Hostname, Err: fmt.Errorf("starting qemu: %w", err)}
	}

	stopped := make(chan struct{})
	trackProcess(cmd)
	go func() {
		cmd.Wait()
		untrackProcess(cmd)
		close(stopped)
	}()

	m.cmd = cmd
	m.stopped = stopped
	return nil
}

func (m *Machine) qemuArgs(withSeed bool) []string {
	args := []string{
		"-machine", "q35",
		"-smp", strconv.Itoa(m.cfg.Cores),
		"-m", strconv.Itoa(m.cfg.MemMiB),
		"-nographic",
		"-serial", "null",
		"-monitor", "none",
		"-device", "virtio-rng-pci,rng=rng0",
		"-object", "rng-random,filename=/dev/urandom,id=rng0",
		"-device", fmt.Sprintf("virtio-net-pci,netdev=net0,mac=%s", m.mac),
	}
	if m.sshPort != 0 {
		args = append(args,
			"-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp:127.0.0.1:%d-:22", m.sshPort),
		)
	} else {
		args = append(args,
			"-netdev", fmt.Sprintf("bridge,id=net0,br=%s", BridgeName),
		)
	}
	args = append(args,
		"-drive", fmt.Sprintf("if=virtio,format=qcow2,media=disk,file=%s", m.overlayPath()),
	)
	if kvmAvailable() {
		args = append(args, "-enable-kvm", "-cpu", "host")
	} else {
		kvmWarnOnce.Do(func() {
			log.Warn("/dev/kvm not available, falling back to TCG emulation")
		})
		args = append(args, "-accel", "tcg")
	}
	if withSeed {
		args = append(args,
			"-drive", fmt.Sprintf("if=ide,media=cdrom,readonly=on,file=%s", m.seedPath()),
		)
	}
	return args
}

var kvmWarnOnce sync.Once

func kvmAvailable() bool {
	_, err := os.Stat("/dev/kvm")
	return err == nil
}

// waitReady polls until the guest holds the readiness condition: a DHCP
// lease exists for its MAC, SSH accepts the generated key, and a probe
// command exits 0. During Init it additionally requires the cloud-init
// sentinel. Probing backs off exponentially with jitter, bounded by the
// readiness deadline. Caller holds m.mu.
func (m *Machine) waitReady(ctx context.Context, wantSentinel bool) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = m.cfg.Timeouts.Readiness

	probe := func() error {
		select {
		case <-m.stopped:
			return backoff.Permanent(&VMError{
				Hostname: m.cfg.Hostname,
				Err:      errors.New("qemu exited before the guest became ready"),
			})
		default:
		}

		if m.sshPort == 0 && m.ip == nil {
			ip, err := leaseIP(m.mac)
			if err != nil {
				return err
			}
			m.ip = ip
		}

		client, err := m.dialSSH()
		if err != nil {
			return err
		}

		if err := sessionRun(client, "true"); err != nil {
			client.Close()
			return err
		}
		if wantSentinel {
			if err := sessionRun(client, "test -f "+readySentinel); err != nil {
				client.Close()
				return err
			}
		}

		m.ssh = client
		return nil
	}

	err := backoff.Retry(probe, backoff.WithContext(bo, ctx))
	if err == nil {
		return nil
	}
	var perm *VMError
	if errors.As(err, &perm) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &ReadinessTimeoutError{Hostname: m.cfg.Hostname, Deadline: m.cfg.Timeouts.Readiness}
}

func (m *Machine) dialSSH() (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            "root",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(m.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         m.cfg.Timeouts.SSHConnect,
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(m.sshPort))
	if m.sshPort == 0 {
		addr = net.JoinHostPort(m.ip.String(), "22")
	}
	return ssh.Dial("tcp", addr, cfg)
}

// freePort asks the kernel for an unused TCP port for the user-mode SSH
// forward.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func isSetupError(err error) bool {
	var serr *SetupError
	return errors.As(err, &serr)
}

func sessionRun(client *ssh.Client, command string) error {
	sess, err := client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	return sess.Run(command)
}

// Exec runs command in a guest shell, capturing stdout and stderr in
// full. Requires Running. A non-zero exit status is a successful result;
// only transport failures are errors.
func (m *Machine) Exec(ctx context.Context, command string) (*ExecResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return nil, &StateError{Op: "exec", State: m.state}
	}
	return m.run(ctx, command)
}

// run executes a command over the established SSH connection. Caller
// holds m.mu.
func (m *Machine) run(ctx context.Context, command string) (*ExecResult, error) {
	sess, err := m.ssh.NewSession()
	if err != nil {
		return nil, &GuestExecError{Err: err}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if m.cfg.CommandLog != nil {
		fmt.Fprintln(m.cfg.CommandLog, "+ "+command)
		sess.Stdout = io.MultiWriter(&stdout, m.cfg.CommandLog)
		sess.Stderr = io.MultiWriter(&stderr, m.cfg.CommandLog)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		sess.Close()
		<-done
		return nil, &GuestExecError{Err: ctx.Err()}
	case err = <-done:
	}

	res := &ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitStatus = exitErr.ExitStatus()
		return res, nil
	}
	return nil, &GuestExecError{Err: err}
}

// IP returns the guest's leased IPv4 address. Requires Running. The
// address is discovered from the libvirt DHCP lease table by MAC and
// cached. Machines on the user-mode fallback have no leased address and
// return a NetworkError.
func (m *Machine) IP() (net.IP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return nil, &StateError{Op: "get ip", State: m.state}
	}
	if m.sshPort != 0 {
		return nil, &NetworkError{Op: "lease", Err: errors.New("user-mode networking has no leased address")}
	}
	if m.ip == nil {
		ip, err := leaseIP(m.mac)
		if err != nil {
			return nil, err
		}
		m.ip = ip
	}
	ip := make(net.IP, len(m.ip))
	copy(ip, m.ip)
	return ip, nil
}

// Shutdown attempts a clean in-guest poweroff, waits up to the shutdown
// timeout for QEMU to exit, and escalates to SIGTERM then SIGKILL.
// Requires Running.
func (m *Machine) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return &StateError{Op: "shutdown", State: m.state}
	}

	m.log.Info("shutting down")
	_, _ = m.run(ctx, "poweroff")
	m.dropSSHLocked()

	err := m.awaitExit(m.cfg.Timeouts.Shutdown)
	m.cmd = nil
	m.ip = nil
	m.state = StateShutDown
	return err
}

// awaitExit waits for the QEMU process to exit, escalating to SIGTERM
// after the timeout and SIGKILL shortly after. Caller holds m.mu.
func (m *Machine) awaitExit(timeout time.Duration) error {
	select {
	case <-m.stopped:
		return nil
	case <-time.After(timeout):
	}

	m.log.Warn("guest did not power off, sending SIGTERM")
	_ = m.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-m.stopped:
		return nil
	case <-time.After(5 * time.Second):
	}

	m.log.Warn("qemu ignored SIGTERM, killing")
	_ = m.cmd.Process.Kill()
	<-m.stopped
	return nil
}

// reapLocked kills and reaps the QEMU process if one is running. Caller
// holds m.mu.
func (m *Machine) reapLocked() {
	m.dropSSHLocked()
	if m.cmd == nil {
		return
	}
	select {
	case <-m.stopped:
	default:
		_ = m.cmd.Process.Kill()
		<-m.stopped
	}
	m.cmd = nil
	m.ip = nil
}

func (m *Machine) dropSSHLocked() {
	if m.ssh != nil {
		m.ssh.Close()
		m.ssh = nil
	}
}

// Teardown reaps the QEMU process, deletes the overlay and seed when
// Clear is set, and releases the network handle. Idempotent; invoked by
// the scoped-resource wrappers on every exit path.
func (m *Machine) Teardown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	m.reapLocked()

	var err error
	if m.cfg.Clear {
		err = os.RemoveAll(m.dir)
	}
	if m.netHandle != nil {
		m.netHandle.Release()
		m.netHandle = nil
	}
	return err
}

// randomMAC generates a MAC in the KVM locally-administered 52:54:00
// range.
func randomMAC() net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	if _, err := rand.Read(mac); err != nil {
		panic(errors.New("system ran out of randomness"))
	}
	mac[0] = 0x52
	mac[1] = 0x54
	mac[2] = 0x00
	return mac
}

// procTable tracks every live QEMU child so the advisory StopAll hook can
// kill them; Machine teardown reaps its own child directly.
var procTable = struct {
	sync.Mutex
	cmds map[*exec.Cmd]struct{}
}{cmds: map[*exec.Cmd]struct{}{}}

func trackProcess(cmd *exec.Cmd) {
	procTable.Lock()
	defer procTable.Unlock()
	procTable.cmds[cmd] = struct{}{}
}

func untrackProcess(cmd *exec.Cmd) {
	procTable.Lock()
	defer procTable.Unlock()
	delete(procTable.cmds, cmd)
}

// StopAll kills every QEMU process the library spawned and has not yet
// reaped. A best-effort cleanup hook for abnormal exits, e.g. from a host
// signal handler; normal teardown does not need it.
func StopAll() {
	procTable.Lock()
	defer procTable.Unlock()
	for cmd := range procTable.cmds {
		_ = cmd.Process.Kill()
	}
}
