package types

import (
	"encoding/json"
	"time"
)

// Device is a survey device seen during a scan. Devices are ephemeral;
// persisting them is a caller concern.
type Device struct {
	TransportID string    `json:"transport_id"`
	Address     string    `json:"address"`
	Name        string    `json:"name"`
	RSSI        int       `json:"rssi"`
	LastSeen    time.Time `json:"last_seen"`
}

// ConnectionStatus describes where a connection is in its lifecycle.
type ConnectionStatus string

const (
	StatusConnecting    ConnectionStatus = "connecting"
	StatusConnected     ConnectionStatus = "connected"
	StatusDisconnecting ConnectionStatus = "disconnecting"
	StatusError         ConnectionStatus = "error"
)

// Connection is the per-device connection record owned by the device manager.
type Connection struct {
	DeviceID     string           `json:"device_id"`
	Status       ConnectionStatus `json:"status"`
	ConnectedAt  time.Time        `json:"connected_at"`
	LastActivity time.Time        `json:"last_activity"`
	MTU          int              `json:"mtu,omitempty"`
	Err          string           `json:"error,omitempty"`
}

// Command is one of the closed set of outbound device commands.
type Command interface {
	CommandName() string
}

// RequestFiles asks the device for the file listing of one campaign.
type RequestFiles struct {
	CampaignID   int
	WithMetadata bool
	WithHandover bool
}

// StartInstantSession starts an immediate recording session.
type StartInstantSession struct {
	Duration time.Duration
}

// AddRecurringCampaign schedules a recurring recording campaign.
type AddRecurringCampaign struct {
	CampaignID      int
	StartHour       int
	DurationMinutes int
	IntervalDays    int
}

// DeleteFiles removes files for a campaign from the device.
type DeleteFiles struct {
	CampaignID int
	Files      []string
}

func (RequestFiles) CommandName() string         { return "request-files" }
func (StartInstantSession) CommandName() string  { return "start-instant-session" }
func (AddRecurringCampaign) CommandName() string { return "add-recurring-campaign" }
func (DeleteFiles) CommandName() string          { return "delete-files" }

// Notification is one of the closed set of inbound device messages.
type Notification interface {
	NotificationType() string
}

// FileInfo describes one measurement file reported by a device.
type FileInfo struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	CampaignID int    `json:"campaign_id"`
}

// HandoverCredentials bootstrap the high-throughput local-network transport.
type HandoverCredentials struct {
	Network  string `json:"network"`
	Secret   string `json:"secret"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	Firmware string `json:"firmware,omitempty"`
}

// FilesListing answers a request-files command.
type FilesListing struct {
	Success  bool
	Count    int
	Files    []FileInfo
	Handover *HandoverCredentials
	Reason   string
}

// DeviceStatus reports device health.
type DeviceStatus struct {
	BatteryPercent int
	StorageFree    int64
	Recording      bool
	Firmware       string
}

// OperationProgress reports progress of a long-running device operation.
type OperationProgress struct {
	Operation string
	Percent   int
}

// DeviceError is an error pushed by the device.
type DeviceError struct {
	Code    string
	Message string
}

func (FilesListing) NotificationType() string      { return "files-listing" }
func (DeviceStatus) NotificationType() string      { return "device-status" }
func (OperationProgress) NotificationType() string { return "operation-progress" }
func (DeviceError) NotificationType() string       { return "error" }

// TransferStatus is the lifecycle state of a transfer task.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferRunning   TransferStatus = "running"
	TransferPaused    TransferStatus = "paused"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
	TransferCancelled TransferStatus = "cancelled"
)

// TransferFile is one file within a transfer task.
type TransferFile struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	CampaignID  int    `json:"campaign_id"`
	Transferred bool   `json:"transferred"`
}

// TransferProgress tracks how far a transfer has come.
type TransferProgress struct {
	TransferredBytes int64   `json:"transferred_bytes"`
	TotalBytes       int64   `json:"total_bytes"`
	Percent          float64 `json:"percent"`
	BytesPerSecond   float64 `json:"bytes_per_second"`
}

// TransferTask is a durable unit of file-transfer work.
type TransferTask struct {
	ID            string               `json:"id"`
	Kind          string               `json:"kind"`
	Status        TransferStatus       `json:"status"`
	DeviceID      string               `json:"device_id"`
	CampaignID    int                  `json:"campaign_id,omitempty"`
	Files         []TransferFile       `json:"files"`
	Handover      *HandoverCredentials `json:"handover,omitempty"`
	Progress      TransferProgress     `json:"progress"`
	RetryCount    int                  `json:"retry_count"`
	MaxRetries    int                  `json:"max_retries"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	StartedAt     *time.Time           `json:"started_at,omitempty"`
	EndedAt       *time.Time           `json:"ended_at,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
	SyncedAt      *time.Time           `json:"synced_at,omitempty"`
}

// EntityID implements storage.Entity.
func (t TransferTask) EntityID() string { return t.ID }

// QueueStatus is the state of an offline queue entry.
type QueueStatus string

const (
	QueueQueued QueueStatus = "queued"
	QueueFailed QueueStatus = "failed"
)

// QueueEntry is one pending synchronization unit, distinct from the transfer
// task it wraps.
type QueueEntry struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	Payload         json.RawMessage `json:"payload"`
	Status          QueueStatus     `json:"status"`
	SyncAttempts    int             `json:"sync_attempts"`
	LastSyncAttempt *time.Time      `json:"last_sync_attempt,omitempty"`
	SyncError       string          `json:"sync_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// EntityID implements storage.Entity.
func (q QueueEntry) EntityID() string { return q.ID }

// QueueSettings is the persisted offline queue configuration.
type QueueSettings struct {
	Enabled       bool          `json:"enabled"`
	SyncOnConnect bool          `json:"sync_on_connect"`
	BatchSize     int           `json:"batch_size"`
	SyncInterval  time.Duration `json:"sync_interval"`
	MaxAge        time.Duration `json:"max_age"`
}

// QueueStats is the running bookkeeping of the offline queue.
type QueueStats struct {
	QueuedItems    int        `json:"queued_items"`
	ProcessedItems int        `json:"processed_items"`
	FailedItems    int        `json:"failed_items"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	NextSyncAt     *time.Time `json:"next_sync_at,omitempty"`
}
