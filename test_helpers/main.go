package test_helpers

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	resilient "github.com/to6ka/go-resilient-redis"
)

type StartOpts struct {
	// Port is the port redis-server listens on, on 127.0.0.1.
	Port int

	// WorkDir is the directory for config and data files.
	// Folder must be unique for each redis process used simultaneously.
	WorkDir string

	// Password, if set, is required from clients (requirepass). For a
	// sentinel it is the password of the monitored master (auth-pass).
	Password string

	// Sentinel starts the process in sentinel mode, monitoring
	// MasterName at MasterAddr with a quorum of 1.
	Sentinel   bool
	MasterName string
	MasterAddr string

	// WaitStart is a time to wait before starting to ping redis.
	WaitStart time.Duration

	// ConnectRetry is a count of attempts to ping redis.
	ConnectRetry uint

	// RetryTimeout is a time between redis ping retries.
	RetryTimeout time.Duration
}

// RedisInstance is a data for instance graceful shutdown and cleanup.
type RedisInstance struct {
	// Cmd is a redis-server command. Used to kill the process.
	Cmd *exec.Cmd

	// Options for restarting the instance.
	Opts StartOpts
}

// Addr returns the connection string of the instance.
func (inst RedisInstance) Addr() string {
	if inst.Opts.Password != "" && !inst.Opts.Sentinel {
		return fmt.Sprintf("redis://:%s@127.0.0.1:%d/", inst.Opts.Password, inst.Opts.Port)
	}
	return fmt.Sprintf("redis://127.0.0.1:%d/", inst.Opts.Port)
}

// IsRedisAvailable reports whether redis-server is in PATH.
func IsRedisAvailable() bool {
	_, err := exec.LookPath("redis-server")
	return err == nil
}

func isReady(addr string) error {
	address, err := resilient.ParseAddress(addr)
	if err != nil {
		return err
	}

	h, err := resilient.Dial(address, resilient.Opts{Timeout: 500 * time.Millisecond})
	if err != nil {
		return err
	}
	if h == nil {
		return errors.New("handle is nil after dial")
	}
	h.Shutdown(false)
	return nil
}

func writeConfig(opts StartOpts) (string, error) {
	conf := fmt.Sprintf("port %d\nbind 127.0.0.1\ndir %s\n", opts.Port, opts.WorkDir)
	if !opts.Sentinel {
		conf += "save \"\"\nappendonly no\n"
	}
	if opts.Password != "" && !opts.Sentinel {
		conf += fmt.Sprintf("requirepass %s\n", opts.Password)
	}
	if opts.Sentinel {
		host, port := "127.0.0.1", "6379"
		if addr, err := resilient.ParseAddress(opts.MasterAddr); err == nil {
			host, port = addr.Host, strconv.Itoa(addr.Port)
		}
		conf += fmt.Sprintf("sentinel monitor %s %s %s 1\n", opts.MasterName, host, port)
		if opts.Password != "" {
			conf += fmt.Sprintf("sentinel auth-pass %s %s\n", opts.MasterName, opts.Password)
		}
		conf += fmt.Sprintf("sentinel down-after-milliseconds %s 1000\n", opts.MasterName)
		conf += fmt.Sprintf("sentinel failover-timeout %s 2000\n", opts.MasterName)
	}

	path := filepath.Join(opts.WorkDir, "redis.conf")
	return path, os.WriteFile(path, []byte(conf), 0644)
}

// RestartRedis restarts an instance that was started by StartRedis and
// stopped since. Rewrites inst.Cmd to stop instance with StopRedis.
func RestartRedis(inst *RedisInstance) error {
	startedInst, err := StartRedis(inst.Opts)
	inst.Cmd = startedInst.Cmd
	return err
}

// StartRedis starts a redis-server for tests with the specified
// parameters (refer to StartOpts). Process must be stopped with
// StopRedis.
func StartRedis(startOpts StartOpts) (RedisInstance, error) {
	var inst RedisInstance
	inst.Opts = startOpts

	// Clean up existing work_dir.
	err := os.RemoveAll(startOpts.WorkDir)
	if err != nil {
		return inst, err
	}

	err = os.Mkdir(startOpts.WorkDir, 0755)
	if err != nil {
		return inst, err
	}

	confPath, err := writeConfig(startOpts)
	if err != nil {
		return inst, err
	}

	args := []string{confPath}
	if startOpts.Sentinel {
		args = append(args, "--sentinel")
	}
	inst.Cmd = exec.Command("redis-server", args...)

	err = inst.Cmd.Start()
	if err != nil {
		return inst, err
	}

	time.Sleep(startOpts.WaitStart)

	var i uint
	for i = 0; i <= startOpts.ConnectRetry; i++ {
		err = isReady(inst.Addr())

		// Both connect and ping is ok.
		if err == nil {
			break
		}

		if i != startOpts.ConnectRetry {
			time.Sleep(startOpts.RetryTimeout)
		}
	}

	return inst, err
}

// StopRedis stops an instance started with StartRedis. Waits until any
// resources associated with the process is released. If something went
// wrong, fails.
func StopRedis(inst RedisInstance) {
	if inst.Cmd != nil && inst.Cmd.Process != nil {
		if err := inst.Cmd.Process.Kill(); err != nil {
			log.Fatalf("Failed to kill redis-server (pid %d), got %s", inst.Cmd.Process.Pid, err)
		}

		// Wait releases any resources associated with the Process.
		if _, err := inst.Cmd.Process.Wait(); err != nil {
			log.Fatalf("Failed to wait for redis-server process to exit, got %s", err)
		}

		inst.Cmd = nil
	}
}

// StopRedisWithCleanup stops an instance started with StartRedis and
// removes its work directory.
func StopRedisWithCleanup(inst RedisInstance) {
	StopRedis(inst)

	if inst.Opts.WorkDir != "" {
		if err := os.RemoveAll(inst.Opts.WorkDir); err != nil {
			log.Fatalf("Failed to clean work directory, got %s", err)
		}
	}
}
