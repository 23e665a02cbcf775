// Package gateway wires the surveylink subsystems together behind a single
// client the daemon and embedders use.
package gateway

import (
	"context"
	"log/slog"

	"github.com/surveylink/surveylink/internal/config"
	"github.com/surveylink/surveylink/internal/device"
	"github.com/surveylink/surveylink/internal/handover"
	"github.com/surveylink/surveylink/internal/offline"
	"github.com/surveylink/surveylink/internal/queue"
	"github.com/surveylink/surveylink/internal/storage"
	"github.com/surveylink/surveylink/internal/transport"
	"github.com/surveylink/surveylink/pkg/types"
)

// Gateway composes storage, the device connectivity manager, the transfer
// queue and the offline sync engine.
type Gateway struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *storage.DB
	manager   *device.Manager
	transfers *queue.TransferRepository
	offline   *offline.Engine
}

// New opens local state at cfg.DatabasePath and builds the subsystems on top
// of the given transport and backend deliverer.
func New(cfg *config.Config, tr transport.Transport, deliverer offline.Deliverer, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	transfers, err := queue.NewTransferRepository(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	engine, err := offline.NewEngine(db, deliverer, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Gateway{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		manager:   device.NewManager(tr, logger),
		transfers: transfers,
		offline:   engine,
	}, nil
}

// Start launches the background sync loops.
func (g *Gateway) Start() {
	g.offline.Start()
	g.logger.Info("gateway started", "gateway_id", g.cfg.GatewayID)
}

// Close tears everything down: stop scans, disconnect devices, stop the sync
// loops, close the database.
func (g *Gateway) Close() error {
	g.manager.Cleanup()
	g.offline.Close()
	return g.db.Close()
}

// Devices returns the manager for direct device operations.
func (g *Gateway) Devices() *device.Manager { return g.manager }

// Transfers returns the transfer queue repository.
func (g *Gateway) Transfers() *queue.TransferRepository { return g.transfers }

// Offline returns the offline sync engine.
func (g *Gateway) Offline() *offline.Engine { return g.offline }

// Scan runs one discovery window using the configured name prefix.
func (g *Gateway) Scan(ctx context.Context) ([]types.Device, error) {
	return g.manager.Scan(ctx, device.ScanOptions{
		TargetNamePrefix: g.cfg.DeviceNamePrefix,
		Timeout:          g.cfg.ScanWindow(),
	})
}

// ScheduleTransfer probes a connected device for one campaign's files and,
// when it reports any, records a transfer task for them. When the device
// hands out Wi-Fi credentials the task carries them and the returned QR
// content lets an operator join the transfer network.
func (g *Gateway) ScheduleTransfer(ctx context.Context, deviceID string, campaignID int) (types.TransferTask, string, error) {
	probe, err := g.manager.ProbeFiles(ctx, deviceID, campaignID, true)
	if err != nil {
		return types.TransferTask{}, "", err
	}
	if probe.Count == 0 {
		return types.TransferTask{}, "", types.NewError(types.CodeTransferFailed, "device %s has no files for campaign %d", deviceID, campaignID)
	}

	files := make([]types.TransferFile, 0, len(probe.Files))
	for _, f := range probe.Files {
		files = append(files, types.TransferFile{Name: f.Name, Size: f.Size, CampaignID: f.CampaignID})
	}
	task, err := g.transfers.Create(ctx, types.TransferTask{
		DeviceID:   deviceID,
		CampaignID: campaignID,
		Files:      files,
		Handover:   probe.Handover,
	})
	if err != nil {
		return types.TransferTask{}, "", err
	}

	qr := ""
	if probe.Handover != nil {
		qr = handover.WifiQRContent(*probe.Handover)
	}
	g.logger.Info("transfer scheduled",
		"task_id", task.ID, "device_id", deviceID,
		"campaign_id", campaignID, "files", len(files), "handover", probe.Handover != nil)
	return task, qr, nil
}

// QueueForBackend records an operation for delivery to the backend, syncing
// immediately when the link is up.
func (g *Gateway) QueueForBackend(ctx context.Context, kind string, payload any) (types.QueueEntry, error) {
	entry, err := g.offline.AddToQueue(ctx, kind, payload)
	if err != nil {
		return entry, err
	}
	if err := g.offline.SyncQueue(ctx); err != nil && !types.IsCode(err, types.CodeAlreadySyncing) {
		g.logger.Warn("immediate sync after enqueue failed", "error", err)
	}
	return entry, nil
}
