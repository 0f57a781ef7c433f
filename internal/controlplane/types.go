package controlplane

import "github.com/openmined/portal/internal/registry"

type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse describes the session served by this process.
type StatusResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"ts"`
	Version   string `json:"version"`
	Revision  string `json:"revision"`
	Role      string `json:"role"`
	Key       string `json:"key"`
	Dir       string `json:"dir"`
	Ready     bool   `json:"ready"`
	Entries   int    `json:"entries"`
	LogLength int    `json:"logLength"`
	Errors    int    `json:"errors"`

	TotalBytes     int64   `json:"totalBytes"`
	BytesPerSecond float64 `json:"bytesPerSecond"`
	Transferred    string  `json:"transferred"`
	Throughput     string  `json:"throughput"`
}

type TreeResponse struct {
	Entries []registry.TreeEntry `json:"entries"`
}

type ErrorEntry struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

type ErrorsResponse struct {
	Errors []ErrorEntry `json:"errors"`
}

type TransferResponse struct {
	Kind      string   `json:"kind"`
	Transfers int      `json:"transfers"`
	Waited    bool     `json:"waited"`
	Errors    []string `json:"errors,omitempty"`
}
