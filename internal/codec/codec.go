// Package codec translates between typed commands/notifications and the
// UTF-8 JSON envelopes used on the low-power link. The wire contract is
// fixed by the device firmware and must not drift.
package codec

import (
	"encoding/json"
	"time"

	"github.com/surveylink/surveylink/pkg/types"
)

// Session durations the firmware accepts.
const (
	MinSessionDuration = 10 * time.Second
	MaxSessionDuration = 24 * time.Hour
)

type commandEnvelope struct {
	Cmd             string   `json:"cmd"`
	CampaignID      *int     `json:"campaignId,omitempty"`
	Duration        *int     `json:"duration,omitempty"` // seconds
	WithMetadata    *bool    `json:"withMetadata,omitempty"`
	WithHandover    *bool    `json:"withHandover,omitempty"`
	StartHour       *int     `json:"startHour,omitempty"`
	DurationMinutes *int     `json:"durationMinutes,omitempty"`
	IntervalDays    *int     `json:"intervalDays,omitempty"`
	Files           []string `json:"files,omitempty"`
}

type notificationEnvelope struct {
	Type string `json:"type"`

	// files-listing
	OK       *bool          `json:"ok,omitempty"`
	Count    *int           `json:"count,omitempty"`
	Files    []fileEnvelope `json:"files,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	SSID     string         `json:"ssid,omitempty"`
	Password string         `json:"password,omitempty"`
	Host     string         `json:"host,omitempty"`
	Port     int            `json:"port,omitempty"`
	Protocol string         `json:"protocol,omitempty"`
	Firmware string         `json:"firmware,omitempty"`

	// device-status
	Battery     *int   `json:"battery,omitempty"`
	StorageFree *int64 `json:"storageFree,omitempty"`
	Recording   *bool  `json:"recording,omitempty"`

	// operation-progress
	Operation string `json:"operation,omitempty"`
	Percent   *int   `json:"percent,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type fileEnvelope struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	CampaignID int    `json:"campaignId"`
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

// Encode validates cmd against the closed command set and serializes it.
// Invalid commands are rejected locally and never reach the wire.
func Encode(cmd types.Command) ([]byte, error) {
	env, err := buildEnvelope(cmd)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, types.WrapError(types.CodeInvalidCommand, err, "encode %s", cmd.CommandName())
	}
	return data, nil
}

func buildEnvelope(cmd types.Command) (*commandEnvelope, error) {
	switch c := cmd.(type) {
	case types.RequestFiles:
		if c.CampaignID < 0 {
			return nil, types.NewError(types.CodeInvalidCommand, "request-files: negative campaign id %d", c.CampaignID)
		}
		return &commandEnvelope{
			Cmd:          c.CommandName(),
			CampaignID:   intPtr(c.CampaignID),
			WithMetadata: boolPtr(c.WithMetadata),
			WithHandover: boolPtr(c.WithHandover),
		}, nil
	case types.StartInstantSession:
		if c.Duration < MinSessionDuration || c.Duration > MaxSessionDuration {
			return nil, types.NewError(types.CodeInvalidCommand, "start-instant-session: duration %s out of range", c.Duration)
		}
		return &commandEnvelope{
			Cmd:      c.CommandName(),
			Duration: intPtr(int(c.Duration / time.Second)),
		}, nil
	case types.AddRecurringCampaign:
		if c.CampaignID < 0 {
			return nil, types.NewError(types.CodeInvalidCommand, "add-recurring-campaign: negative campaign id %d", c.CampaignID)
		}
		if c.StartHour < 0 || c.StartHour > 23 {
			return nil, types.NewError(types.CodeInvalidCommand, "add-recurring-campaign: start hour %d out of range", c.StartHour)
		}
		if c.DurationMinutes <= 0 || c.DurationMinutes > 24*60 {
			return nil, types.NewError(types.CodeInvalidCommand, "add-recurring-campaign: duration %d minutes out of range", c.DurationMinutes)
		}
		if c.IntervalDays <= 0 {
			return nil, types.NewError(types.CodeInvalidCommand, "add-recurring-campaign: interval %d days out of range", c.IntervalDays)
		}
		return &commandEnvelope{
			Cmd:             c.CommandName(),
			CampaignID:      intPtr(c.CampaignID),
			StartHour:       intPtr(c.StartHour),
			DurationMinutes: intPtr(c.DurationMinutes),
			IntervalDays:    intPtr(c.IntervalDays),
		}, nil
	case types.DeleteFiles:
		if c.CampaignID < 0 {
			return nil, types.NewError(types.CodeInvalidCommand, "delete-files: negative campaign id %d", c.CampaignID)
		}
		return &commandEnvelope{
			Cmd:        c.CommandName(),
			CampaignID: intPtr(c.CampaignID),
			Files:      c.Files,
		}, nil
	default:
		return nil, types.NewError(types.CodeInvalidCommand, "unknown command %q", cmd.CommandName())
	}
}

// Decode parses raw notification bytes against the closed notification set.
// Any structural mismatch is a decode error; no partial value is returned.
func Decode(data []byte) (types.Notification, error) {
	var env notificationEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, types.WrapError(types.CodeDecodeFailed, err, "malformed notification")
	}

	switch env.Type {
	case "files-listing":
		if env.OK == nil {
			return nil, types.NewError(types.CodeDecodeFailed, "files-listing: missing ok flag")
		}
		if env.Count == nil {
			return nil, types.NewError(types.CodeDecodeFailed, "files-listing: missing count")
		}
		if *env.Count < 0 || *env.Count != len(env.Files) {
			return nil, types.NewError(types.CodeDecodeFailed, "files-listing: count %d does not match %d files", *env.Count, len(env.Files))
		}
		n := types.FilesListing{
			Success: *env.OK,
			Count:   *env.Count,
			Reason:  env.Reason,
		}
		for _, f := range env.Files {
			if f.Name == "" || f.Size < 0 {
				return nil, types.NewError(types.CodeDecodeFailed, "files-listing: invalid file entry %q", f.Name)
			}
			n.Files = append(n.Files, types.FileInfo{
				Name:       f.Name,
				Size:       f.Size,
				CampaignID: f.CampaignID,
			})
		}
		if env.SSID != "" {
			n.Handover = &types.HandoverCredentials{
				Network:  env.SSID,
				Secret:   env.Password,
				Host:     env.Host,
				Port:     env.Port,
				Protocol: env.Protocol,
				Firmware: env.Firmware,
			}
		}
		return n, nil

	case "device-status":
		if env.Battery == nil {
			return nil, types.NewError(types.CodeDecodeFailed, "device-status: missing battery")
		}
		if *env.Battery < 0 || *env.Battery > 100 {
			return nil, types.NewError(types.CodeDecodeFailed, "device-status: battery %d out of range", *env.Battery)
		}
		n := types.DeviceStatus{
			BatteryPercent: *env.Battery,
			Firmware:       env.Firmware,
		}
		if env.StorageFree != nil {
			if *env.StorageFree < 0 {
				return nil, types.NewError(types.CodeDecodeFailed, "device-status: negative storage free")
			}
			n.StorageFree = *env.StorageFree
		}
		if env.Recording != nil {
			n.Recording = *env.Recording
		}
		return n, nil

	case "operation-progress":
		if env.Operation == "" {
			return nil, types.NewError(types.CodeDecodeFailed, "operation-progress: missing operation")
		}
		if env.Percent == nil || *env.Percent < 0 || *env.Percent > 100 {
			return nil, types.NewError(types.CodeDecodeFailed, "operation-progress: percent out of range")
		}
		return types.OperationProgress{Operation: env.Operation, Percent: *env.Percent}, nil

	case "error":
		if env.Code == "" {
			return nil, types.NewError(types.CodeDecodeFailed, "error notification: missing code")
		}
		return types.DeviceError{Code: env.Code, Message: env.Message}, nil

	case "":
		return nil, types.NewError(types.CodeDecodeFailed, "notification missing type discriminator")
	default:
		return nil, types.NewError(types.CodeDecodeFailed, "unknown notification type %q", env.Type)
	}
}
