package player

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/kiosktv/backend/internal/bridge"
	"github.com/kiosktv/backend/internal/config"
)

//go:embed assets/default-mpv.conf
var defaultPlayerConf []byte

// ProcessStats is a point-in-time view of the spawned player process,
// reported on the status endpoint.
type ProcessStats struct {
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"startedAt"`
	CPUPercent float64   `json:"cpuPercent"`
	RSSBytes   uint64    `json:"rssBytes"`
}

// Spawner starts the player process and guarantees at most one spawn attempt
// is in flight at a time. It also owns the temp config file handed to the
// player.
type Spawner struct {
	cfg config.PlayerConfig

	mu       sync.Mutex
	cmd      *exec.Cmd
	exited   bool
	confPath string
}

func NewSpawner(cfg config.PlayerConfig) *Spawner {
	return &Spawner{cfg: cfg}
}

// EnsureStarted spawns the player unless a previously spawned process is
// still running. Callers racing here see exactly one spawn.
func (s *Spawner) EnsureStarted() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil && !s.exited {
		return nil
	}

	if s.confPath == "" {
		path, err := s.writeConfigFile()
		if err != nil {
			return bridge.Wrap(bridge.ErrProcessSpawn, "player config", err)
		}
		s.confPath = path
	}

	args := []string{
		"--input-ipc-server=" + s.cfg.SocketPath,
		"--idle",
		"--force-window",
		"--fullscreen",
		"--keep-open",
		"--really-quiet",
		"--include=" + s.confPath,
	}

	cmd := exec.Command(s.cfg.ExecutablePath, args...)
	if err := cmd.Start(); err != nil {
		return bridge.Wrap(bridge.ErrProcessSpawn, s.cfg.ExecutablePath, err)
	}

	log.Printf("player: spawned %s (pid %d), socket at %s", s.cfg.ExecutablePath, cmd.Process.Pid, s.cfg.SocketPath)
	s.cmd = cmd
	s.exited = false

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		if s.cmd == cmd {
			s.exited = true
		}
		s.mu.Unlock()
		if err != nil {
			log.Printf("player: process %d exited: %v", cmd.Process.Pid, err)
		} else {
			log.Printf("player: process %d exited", cmd.Process.Pid)
		}
	}()

	return nil
}

// writeConfigFile materializes the player config into a temp file: the
// operator-supplied file when configured, the embedded default otherwise.
func (s *Spawner) writeConfigFile() (string, error) {
	content := defaultPlayerConf
	if s.cfg.ConfigFile != "" {
		data, err := os.ReadFile(s.cfg.ConfigFile)
		if err != nil {
			return "", fmt.Errorf("read player config %s: %w", s.cfg.ConfigFile, err)
		}
		content = data
	}

	f, err := os.CreateTemp("", "mpv-*.conf")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// Pid reports the spawned process id, if one is running.
func (s *Spawner) Pid() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.exited {
		return 0, false
	}
	return s.cmd.Process.Pid, true
}

// Stats samples the running player process.
func (s *Spawner) Stats() (*ProcessStats, error) {
	pid, ok := s.Pid()
	if !ok {
		return nil, fmt.Errorf("no player process")
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}

	stats := &ProcessStats{PID: pid}
	if created, err := proc.CreateTime(); err == nil {
		stats.StartedAt = time.UnixMilli(created)
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	return stats, nil
}

// Close kills a spawned process and removes the temp config file. Safe to
// call when nothing was ever spawned.
func (s *Spawner) Close() {
	s.mu.Lock()
	cmd, exited := s.cmd, s.exited
	confPath := s.confPath
	s.confPath = ""
	s.mu.Unlock()

	if cmd != nil && !exited {
		if err := cmd.Process.Kill(); err != nil {
			log.Printf("player: failed to kill process %d: %v", cmd.Process.Pid, err)
		}
	}
	if confPath != "" {
		os.Remove(confPath)
	}
}

// prepareSocketPath makes sure the socket's parent directory exists and,
// under force auto-start, clears a stale socket file left by a dead player
// so the fresh process can bind it.
func prepareSocketPath(cfg config.PlayerConfig) error {
	dir := filepath.Dir(cfg.SocketPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create socket dir %s: %w", dir, err)
	}
	if cfg.ForceAutoStart {
		if _, err := os.Stat(cfg.SocketPath); err == nil {
			log.Printf("player: removing stale socket %s", cfg.SocketPath)
			if err := os.Remove(cfg.SocketPath); err != nil {
				return fmt.Errorf("remove stale socket: %w", err)
			}
		}
	}
	return nil
}
