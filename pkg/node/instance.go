package node

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/transport"
)

// Instance is one supervised worker-instance process, a member of the
// node's standing pool (sized by n_processes, hosting whichever actors
// the placement strategy sends it). The controller spawns only pool
// instances: start_actor has no isolated-instance path, so Pool is
// always true for instances it creates.
type Instance struct {
	ID          string
	OpsEndpoint string
	Port        int
	Pool        bool
	cmd         *exec.Cmd
}

// instanceSupervisor spawns and supervises worker-instance processes.
type instanceSupervisor struct {
	binaryPath string
	configPath string
	ports      *freePortSet

	mu        sync.RWMutex
	instances map[string]*Instance
}

func newInstanceSupervisor(binaryPath, configPath string, ports *freePortSet) *instanceSupervisor {
	return &instanceSupervisor{
		binaryPath: binaryPath,
		configPath: configPath,
		ports:      ports,
		instances:  make(map[string]*Instance),
	}
}

// spawn starts a new hive-instance process bound to a freshly allocated
// ops port and registers it under id.
func (s *instanceSupervisor) spawn(id string, pool bool) (*Instance, error) {
	port, err := s.ports.allocate()
	if err != nil {
		return nil, fmt.Errorf("node: spawn instance %s: %w", id, err)
	}

	opsAddr := fmt.Sprintf("127.0.0.1:%d", port)
	cmd := exec.Command(s.binaryPath, s.configPath, id, opsAddr)

	if err := cmd.Start(); err != nil {
		s.ports.release(port)
		return nil, fmt.Errorf("node: start instance %s: %w", id, err)
	}

	inst := &Instance{
		ID:          id,
		OpsEndpoint: "tcp://" + opsAddr,
		Port:        port,
		Pool:        pool,
		cmd:         cmd,
	}

	s.mu.Lock()
	s.instances[id] = inst
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		if err != nil {
			log.WithComponent("instance").Warn().Err(err).Str("instance_id", id).Msg("instance process exited")
		}
	}()

	return inst, nil
}

func (s *instanceSupervisor) get(id string) (*Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	return inst, ok
}

func (s *instanceSupervisor) list() []*Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	return out
}

func (s *instanceSupervisor) poolMembers() []*Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Instance
	for _, inst := range s.instances {
		if inst.Pool {
			out = append(out, inst)
		}
	}
	return out
}

// remove stops an instance's process and reclaims its port. Safe to
// call on an already-dead process.
func (s *instanceSupervisor) remove(id string) {
	s.mu.Lock()
	inst, ok := s.instances[id]
	if ok {
		delete(s.instances, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if inst.cmd.Process != nil {
		_ = inst.cmd.Process.Kill()
	}
	s.ports.release(inst.Port)
}

func (s *instanceSupervisor) stopAll() {
	for _, inst := range s.list() {
		s.remove(inst.ID)
	}
}

// request performs one ops call against an instance's local endpoint.
func (s *instanceSupervisor) request(inst *Instance, payload transport.Message, timeout time.Duration) (transport.Message, error) {
	sock, err := transport.Dial(inst.OpsEndpoint)
	if err != nil {
		return nil, fmt.Errorf("node: dial instance %s: %w", inst.ID, err)
	}
	defer sock.Close()
	return sock.Request(payload, timeout)
}
