package device

import (
	"context"
	"time"

	"github.com/surveylink/surveylink/pkg/types"
)

const probeTimeout = 8 * time.Second

// ProbeResult is the outcome of a successful file probe.
type ProbeResult struct {
	Count    int
	Files    []types.FileInfo
	Handover *types.HandoverCredentials
}

// ProbeFiles requests the file listing for one campaign, optionally asking
// the device to include local-network handover credentials. Any outcome
// other than a successful files-listing is a probe failure.
func (m *Manager) ProbeFiles(ctx context.Context, deviceID string, campaignID int, withHandover bool) (*ProbeResult, error) {
	cmd := types.RequestFiles{
		CampaignID:   campaignID,
		WithMetadata: true,
		WithHandover: withHandover,
	}

	n, err := m.SendCommand(ctx, deviceID, cmd, SendOptions{Timeout: probeTimeout, RetryOnTimeout: true})
	if err != nil {
		return nil, types.WrapError(types.CodeProbeFailed, err, "probe files on %s", deviceID)
	}

	listing, ok := n.(types.FilesListing)
	if !ok {
		return nil, types.NewError(types.CodeProbeFailed, "unexpected %s notification from %s", n.NotificationType(), deviceID)
	}
	if !listing.Success {
		return nil, types.NewError(types.CodeProbeFailed, "device %s rejected file request: %s", deviceID, listing.Reason)
	}

	result := &ProbeResult{Count: listing.Count, Files: listing.Files}
	if withHandover {
		result.Handover = listing.Handover
	}
	return result, nil
}
