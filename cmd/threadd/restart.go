package main

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
)

const (
	inheritFDEnv  = "GO_THREADS_INHERIT_FD"
	listenerFDEnv = "GO_THREADS_FD"
)

// restarter starts a copy of the running binary that inherits the HTTP
// listener, so restarts do not drop the listening socket.
type restarter struct {
	Listener net.Listener
	Args     []string
	Env      []string
}

func (r *restarter) Restart() error {
	if r.Listener == nil {
		return fmt.Errorf("listener not set")
	}
	if len(r.Args) == 0 {
		return fmt.Errorf("args not set")
	}
	file, err := listenerFile(r.Listener)
	if err != nil {
		return err
	}
	defer file.Close()

	cmd := exec.Command(r.Args[0], r.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(append([]string{}, r.Env...), inheritFDEnv+"=1", listenerFDEnv+"=3")
	cmd.ExtraFiles = []*os.File{file}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start new process: %w", err)
	}
	return nil
}

func listenerFile(listener net.Listener) (*os.File, error) {
	switch ln := listener.(type) {
	case *net.TCPListener:
		file, err := ln.File()
		if err != nil {
			return nil, fmt.Errorf("listener file: %w", err)
		}
		return file, nil
	default:
		return nil, fmt.Errorf("unsupported listener type %T", listener)
	}
}

// listenerFromEnv returns the listener handed over by a restarting parent,
// or nil when the process was started normally.
func listenerFromEnv() (net.Listener, error) {
	if os.Getenv(inheritFDEnv) != "1" {
		return nil, nil
	}
	fdStr := os.Getenv(listenerFDEnv)
	if fdStr == "" {
		fdStr = "3"
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		return nil, fmt.Errorf("invalid listener fd: %w", err)
	}
	file := os.NewFile(uintptr(fd), "listener")
	if file == nil {
		return nil, fmt.Errorf("failed to create listener file")
	}
	defer file.Close()
	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("file listener: %w", err)
	}
	return ln, nil
}
