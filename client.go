package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

func ipcCall(req IPCRequest) (IPCResponse, error) {
	conn, err := net.Dial("unix", socketPath())
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to daemon: %w (is `bluegauge daemon` running?)", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("read response: %w", err)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}

func runStatus() error {
	resp, err := ipcCall(IPCRequest{Command: "status"})
	if err != nil {
		return err
	}
	fmt.Println(resp.Tooltip)
	return nil
}

func runDevices() error {
	resp, err := ipcCall(IPCRequest{Command: "devices"})
	if err != nil {
		return err
	}
	for _, d := range resp.Devices {
		state := "disconnected"
		if d.Connected {
			state = "connected"
		}
		line := fmt.Sprintf("%s  %-24s %3d%%  %-7s %s", d.Address, d.Name, d.Battery, d.Transport, state)
		if d.Watched {
			line += "  [watched]"
		}
		if d.HoursLeft != nil {
			line += fmt.Sprintf("  ~%.1fh left", *d.HoursLeft)
		}
		fmt.Println(line)
	}
	fmt.Printf("watcher: %s\n", resp.WatcherState)
	return nil
}

func runForce() error {
	_, err := ipcCall(IPCRequest{Command: "force"})
	return err
}

func runWatch(device string) error {
	resp, err := ipcCall(IPCRequest{Command: "watch", Device: device})
	if err != nil {
		return err
	}
	fmt.Printf("watcher: %s\n", resp.WatcherState)
	return nil
}

func runUnwatch() error {
	resp, err := ipcCall(IPCRequest{Command: "unwatch"})
	if err != nil {
		return err
	}
	fmt.Printf("watcher: %s\n", resp.WatcherState)
	return nil
}

func runHistory(device string) error {
	resp, err := ipcCall(IPCRequest{Command: "history", Device: device})
	if err != nil {
		return err
	}
	for _, p := range resp.History {
		state := "disconnected"
		if p.Connected {
			state = "connected"
		}
		fmt.Printf("%s  %3d%%  %s\n", time.Unix(p.Ts, 0).Format(time.RFC3339), p.Level, state)
	}
	return nil
}

func runSet(option, value string) error {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("value must be a boolean, got %q", value)
	}
	_, err = ipcCall(IPCRequest{Command: "set", Option: option, Value: v})
	return err
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: bluegauge [flags] <command>

commands:
  daemon            run the monitoring daemon
  status            print the current tooltip-style status
  devices           list tracked devices
  force             trigger an immediate update pass
  watch <address>   live-watch one device
  unwatch           stop the live watch
  history <address> print retained battery observations
  set <option> <bool>
                    flip a config option (mute, disconnection, reconnection,
                    added, removed, show_disconnected, truncate_name,
                    prefix_battery)

flags:
  -config <path>    config file location
  -log-level <lvl>  trace|debug|info|warn|error (default info)
  -console          log human-readable to stderr instead of the log file`)
}
