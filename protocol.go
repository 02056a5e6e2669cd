package main

// IPCRequest is sent from the CLI client to the daemon.
type IPCRequest struct {
	Command string `json:"command"`          // "status" | "devices" | "force" | "watch" | "unwatch" | "history" | "set"
	Device  string `json:"device,omitempty"` // address, for watch/history
	Option  string `json:"option,omitempty"` // option name, for set
	Value   bool   `json:"value,omitempty"`  // option value, for set
}

// DeviceStatus is one device as rendered for the client.
type DeviceStatus struct {
	Address   string   `json:"address"`
	Name      string   `json:"name"`
	Battery   uint8    `json:"battery"`
	Connected bool     `json:"connected"`
	Transport string   `json:"transport"`
	Watched   bool     `json:"watched,omitempty"`
	HoursLeft *float64 `json:"hoursLeft,omitempty"`
}

// HistoryPoint is one retained observation in a history response.
type HistoryPoint struct {
	Ts        int64 `json:"ts"`
	Level     uint8 `json:"level"`
	Connected bool  `json:"connected"`
}

// IPCResponse is sent from the daemon back to the CLI client.
type IPCResponse struct {
	Tooltip      string         `json:"tooltip,omitempty"`
	Devices      []DeviceStatus `json:"devices,omitempty"`
	History      []HistoryPoint `json:"history,omitempty"`
	WatcherState string         `json:"watcherState,omitempty"`
	OK           bool           `json:"ok,omitempty"`
	Error        string         `json:"error,omitempty"`
}
