package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"cpenlink/ble"
	"cpenlink/config"
	"cpenlink/device"
	"cpenlink/storage"
	"cpenlink/transfer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("startup failed while building logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	app, err := newApp(logger)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer app.close()

	if err := app.command().Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

// app is the composition root wiring the pen link to the storage backend.
type app struct {
	logger  *zap.Logger
	cfg     *config.AppConfig
	store   *storage.Store
	adapter *ble.Adapter
	manager *device.Manager

	engine *transfer.Engine
}

func newApp(logger *zap.Logger) (*app, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	store, _, err := storage.Open(filepath.Dir(cfgPath))
	if err != nil {
		return nil, fmt.Errorf("open transfer ledger: %w", err)
	}

	adapter, err := ble.NewAdapter(ble.AdapterOptions{
		Radio:  ble.NewStackRadio(),
		Logger: logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build link adapter: %w", err)
	}

	manager, err := device.NewManager(device.Options{
		Adapter: adapter,
		Logger:  logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build device manager: %w", err)
	}

	return &app{
		logger:  logger,
		cfg:     cfg,
		store:   store,
		adapter: adapter,
		manager: manager,
	}, nil
}

func (a *app) close() {
	a.manager.Disconnect()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("main: close ledger", zap.Error(err))
	}
}

// transferEngine builds the engine lazily so pen-only commands never
// touch the network to resolve a backend.
func (a *app) transferEngine(ctx context.Context) (*transfer.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}

	baseURL := a.cfg.BackendURL
	if baseURL == "" {
		resolver := config.Resolver{
			ManifestURL: a.cfg.ManifestURL,
			Logger:      a.logger,
		}
		baseURL = resolver.ResolveBackend(ctx)
	}

	engine, err := transfer.NewEngine(transfer.Options{
		BaseURL: baseURL,
		Source: transfer.CredentialFunc(func(ctx context.Context) (transfer.Credential, error) {
			id, totp, err := a.manager.Credentials(ctx)
			if err != nil {
				return transfer.Credential{}, err
			}
			return transfer.Credential{DeviceID: id, Totp: totp}, nil
		}),
		Store:  a.store,
		Logger: a.logger,
	})
	if err != nil {
		return nil, err
	}
	a.engine = engine
	return engine, nil
}

func (a *app) command() *cli.Command {
	return &cli.Command{
		Name:  "cpenlink",
		Usage: "companion for the Cpen security token and its storage backend",
		Commands: []*cli.Command{
			a.scanCommand(),
			a.statusCommand(),
			a.totpCommand(),
			a.deviceIDCommand(),
			a.setTimeCommand(),
			a.disconnectCommand(),
			a.downloadCommand(),
			a.uploadCommand(),
			a.progressCommand(),
			a.pauseCommand(),
			a.resumeCommand(),
			a.historyCommand(),
			a.cleanupCommand(),
		},
	}
}

func (a *app) scanCommand() *cli.Command {
	return &cli.Command{
		Name:  "scan",
		Usage: "list pens advertising nearby",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			peripherals, err := a.adapter.Scan(ctx)
			if err != nil {
				return err
			}
			if len(peripherals) == 0 {
				fmt.Println("no pens found")
				return nil
			}
			for _, peripheral := range peripherals {
				fmt.Printf("%s  %s\n", peripheral.Address, peripheral.Name)
			}
			return nil
		},
	}
}

func (a *app) statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "report the pen connection state",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Println(a.manager.Status())
			return nil
		},
	}
}

func (a *app) totpCommand() *cli.Command {
	return &cli.Command{
		Name:  "totp",
		Usage: "fetch the pen's current one-time code",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			code, err := a.manager.Totp(ctx)
			if err != nil {
				return err
			}
			fmt.Println(code)
			return nil
		},
	}
}

func (a *app) deviceIDCommand() *cli.Command {
	return &cli.Command{
		Name:  "device-id",
		Usage: "fetch the pen's device identifier",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := a.manager.DeviceID(ctx)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

func (a *app) setTimeCommand() *cli.Command {
	return &cli.Command{
		Name:  "set-time",
		Usage: "push the current time to the pen's clock",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := a.manager.Connect(ctx); err != nil {
				return err
			}
			if err := a.manager.SyncClock(ctx); err != nil {
				return err
			}
			fmt.Println("clock pushed")
			return nil
		},
	}
}

func (a *app) disconnectCommand() *cli.Command {
	return &cli.Command{
		Name:  "disconnect",
		Usage: "drop the pen link and clear cached credentials",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a.manager.Disconnect()
			fmt.Println(device.StatusDisconnected)
			return nil
		},
	}
}

func (a *app) downloadCommand() *cli.Command {
	return &cli.Command{
		Name:      "download",
		Usage:     "download a remote file from the storage backend",
		ArgsUsage: "<remote-name>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Usage:   "destination path (defaults to the downloads directory)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			remoteName := cmd.Args().First()
			if remoteName == "" {
				return errors.New("remote file name is required")
			}
			dest := cmd.String("out")
			if dest == "" {
				dest = filepath.Join(a.cfg.DownloadsDir, filepath.Base(remoteName))
			}

			engine, err := a.transferEngine(ctx)
			if err != nil {
				return err
			}
			task, err := engine.Download(ctx, remoteName, dest)
			if err != nil {
				return err
			}
			return watchTask(ctx, task)
		},
	}
}

func (a *app) uploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "upload a local file to the storage backend",
		ArgsUsage: "<local-path>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "target",
				Aliases: []string{"t"},
				Usage:   "destination path on the backend",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			localPath := cmd.Args().First()
			if localPath == "" {
				return errors.New("local file path is required")
			}

			engine, err := a.transferEngine(ctx)
			if err != nil {
				return err
			}
			task, err := engine.Upload(ctx, localPath, cmd.String("target"))
			if err != nil {
				return err
			}
			return watchTask(ctx, task)
		},
	}
}

func (a *app) progressCommand() *cli.Command {
	return &cli.Command{
		Name:      "progress",
		Usage:     "show the state of a transfer",
		ArgsUsage: "<transfer-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return errors.New("transfer ID is required")
			}

			if a.engine != nil {
				if task, err := a.engine.Registry().Get(id); err == nil {
					printProgress(task.Progress())
					return nil
				}
			}

			// Transfers from earlier runs live only in the ledger.
			record, err := a.store.GetTransfer(id)
			if err != nil {
				return err
			}
			fmt.Printf("%s  %-8s  %-9s  %d chunks  %s\n",
				record.TransferID, record.Direction, record.Status, record.ChunkCount, record.RemoteName)
			return nil
		},
	}
}

func (a *app) pauseCommand() *cli.Command {
	return &cli.Command{
		Name:      "pause",
		Usage:     "pause a running transfer in this session",
		ArgsUsage: "<transfer-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return errors.New("transfer ID is required")
			}
			if a.engine == nil {
				return transfer.ErrTaskNotFound
			}
			return a.engine.Registry().Pause(id)
		},
	}
}

func (a *app) resumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "resume a paused transfer in this session",
		ArgsUsage: "<transfer-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return errors.New("transfer ID is required")
			}
			if a.engine == nil {
				return transfer.ErrTaskNotFound
			}
			if err := a.engine.Registry().Resume(id); err != nil {
				return err
			}
			task, err := a.engine.Registry().Get(id)
			if err != nil {
				return err
			}
			return watchTask(ctx, task)
		},
	}
}

func (a *app) historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "list recorded transfers, most recent first",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "maximum rows to print",
				Value: 20,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			records, err := a.store.ListTransfers(int(cmd.Int("limit")))
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no transfers recorded")
				return nil
			}
			for _, record := range records {
				fmt.Printf("%s  %-8s  %-9s  %10d bytes  %s\n",
					record.TransferID, record.Direction, record.Status, record.Filesize, record.RemoteName)
			}
			return nil
		},
	}
}

func (a *app) cleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "drop finished transfers from the ledger",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			deleted, err := a.store.DeleteFinishedTransfers()
			if err != nil {
				return err
			}
			fmt.Printf("removed %d finished transfers\n", deleted)
			return nil
		},
	}
}

// watchTask prints progress until the task finishes or the context ends.
func watchTask(ctx context.Context, task *transfer.Task) error {
	fmt.Printf("transfer %s started\n", task.ID())

	for {
		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		progress, err := task.Wait(waitCtx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			printProgress(progress)
			continue
		}
		printProgress(progress)
		return err
	}
}

func printProgress(progress transfer.Progress) {
	percent := 0.0
	if progress.BytesTotal > 0 {
		percent = float64(progress.BytesDone) / float64(progress.BytesTotal) * 100
	}
	fmt.Printf("%s  %-9s  %5.1f%%  %d/%d chunks\n",
		progress.ID, progress.Status, percent, progress.ChunksDone, progress.ChunksTotal)
}
