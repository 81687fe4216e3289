package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/PunishXIV/PalacePal/internal/config"
	"github.com/PunishXIV/PalacePal/internal/database"
	"github.com/PunishXIV/PalacePal/internal/export"
	"github.com/PunishXIV/PalacePal/internal/floors"
	"github.com/PunishXIV/PalacePal/internal/frame"
	"github.com/PunishXIV/PalacePal/internal/imports"
	"github.com/PunishXIV/PalacePal/internal/protocol"
	"github.com/PunishXIV/PalacePal/internal/remote"
)

const clientVersion = protocol.Version

func main() {
	var (
		dataDir      = flag.String("data", "./data", "runtime data directory")
		configPath   = flag.String("config", "", "config path (default: <data>/palacepal.yaml)")
		observations = flag.String("observations", "", "JSONL observation recording to replay")
		tickMS       = flag.Int("tick_ms", 200, "tick interval in milliseconds")
		skipBackup   = flag.Bool("skip_backup", false, "skip the startup database backup")

		importPath = flag.String("import", "", "import a snapshot file and exit")
		undoImport = flag.Bool("undo_import", false, "remove the last import batch and exit")
		exportPath = flag.String("export", "", "export the server's confirmed pool to a file and exit")
		statistics = flag.Bool("statistics", false, "fetch per-territory statistics and exit")
		verify     = flag.Bool("verify", false, "verify server connection and exit")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[pal] ", log.LstdFlags|log.Lmicroseconds)

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = filepath.Join(*dataDir, "palacepal.yaml")
	}
	mgr, err := config.NewManager(cfgPath, logger)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPath := filepath.Join(*dataDir, "palace.db")
	backupDir := filepath.Join(*dataDir, "backups")
	if !*skipBackup {
		if _, err := os.Stat(dbPath); err == nil {
			target, err := database.Backup(ctx, dbPath, backupDir)
			if err != nil {
				logger.Fatalf("backup: %v", err)
			}
			logger.Printf("backed up database to %s", target)
			cfg := mgr.Config()
			removed, err := database.RemoveOldBackups(backupDir,
				cfg.Backups.MinimumToKeep, cfg.Backups.DaysToDeleteAfter)
			if err != nil {
				logger.Printf("cleaning backups: %v", err)
			} else if removed > 0 {
				logger.Printf("removed %d old backups", removed)
			}
		}
	}

	db, err := database.Open(dbPath, logger)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	online := mgr.Mode() == config.ModeOnline
	if _, err := db.PurgeAll(online); err != nil {
		logger.Fatalf("cleanup: %v", err)
	}

	chat := &logChat{log: logger}
	debug := frame.NewDebugState()
	floorService := floors.NewService(logger, db, mgr, debug, clientVersion)
	api := remote.NewAPI(logger, mgr, chat, clientVersion)
	defer api.Close()
	importer := imports.NewService(logger, db, floorService, mgr, clientVersion)

	switch {
	case *importPath != "":
		runImport(logger, importer, *importPath)
		floorService.Wait()
		return
	case *undoImport:
		runUndoImport(logger, importer)
		floorService.Wait()
		return
	case *exportPath != "":
		runExport(ctx, logger, api, mgr, *exportPath)
		return
	case *statistics:
		runStatistics(ctx, logger, api)
		return
	case *verify:
		if err := api.VerifyConnection(ctx); err != nil {
			logger.Fatalf("verify: %v", err)
		}
		logger.Printf("connection ok")
		return
	}

	if *observations == "" {
		logger.Fatalf("missing -observations (or one of -import/-export/-statistics/-verify)")
	}
	source, err := newReplaySource(*observations)
	if err != nil {
		logger.Fatalf("open observations: %v", err)
	}
	defer source.Close()

	dispatcher := frame.NewDispatcher(logger, mgr, floorService, api, importer,
		source, &logRenderer{log: logger}, chat, debug)
	mgr.OnSaved(func(*config.Config) { dispatcher.EnqueueEarly(frame.ConfigUpdate{}) })

	logger.Printf("running in %s mode against %s", mgr.Mode(), mgr.Config().ServerURL)
	if err := dispatcher.Run(ctx, time.Duration(*tickMS)*time.Millisecond); err != nil && ctx.Err() == nil {
		logger.Fatalf("run: %v", err)
	}
	floorService.Wait()
}

func runImport(logger *log.Logger, importer *imports.Service, path string) {
	root, err := export.Read(path)
	if err != nil {
		logger.Fatalf("read snapshot: %v", err)
	}
	result, err := importer.Import(root)
	if err != nil {
		logger.Fatalf("import: %v", err)
	}
	logger.Printf("imported %d traps and %d hoard coffers", result.ImportedTraps, result.ImportedHoards)
}

func runUndoImport(logger *log.Logger, importer *imports.Service) {
	last, err := importer.FindLast()
	if err != nil {
		logger.Fatalf("undo import: %v", err)
	}
	if last == nil {
		logger.Fatalf("undo import: nothing to undo")
	}
	if err := importer.RemoveByID(last.ID); err != nil {
		logger.Fatalf("undo import: %v", err)
	}
	logger.Printf("removed import %s from %s", last.ID, last.RemoteURL)
}

func runExport(ctx context.Context, logger *log.Logger, api *remote.API,
	mgr *config.Manager, path string) {
	serverURL := mgr.Config().ServerURL
	reply, err := api.Export(ctx, serverURL)
	if err != nil {
		logger.Fatalf("export: %v", err)
	}
	root := &export.Root{
		Header: export.Header{
			Version:   export.CurrentVersion,
			ExportID:  reply.ExportID,
			ServerURL: reply.ServerURL,
			CreatedAt: reply.CreatedAt,
		},
	}
	total := 0
	for _, floor := range reply.Floors {
		objects := make([]export.Object, 0, len(floor.Objects))
		for _, obj := range floor.Objects {
			objects = append(objects, export.Object{
				Type: export.ObjectType(obj.Type),
				X:    obj.X,
				Y:    obj.Y,
				Z:    obj.Z,
			})
		}
		total += len(objects)
		root.Floors = append(root.Floors, export.Floor{
			TerritoryType: floor.TerritoryType,
			Objects:       objects,
		})
	}
	if err := export.Write(path, root); err != nil {
		logger.Fatalf("export: %v", err)
	}
	logger.Printf("exported %d locations to %s", total, path)
}

func runStatistics(ctx context.Context, logger *log.Logger, api *remote.API) {
	fls, err := api.FetchStatistics(ctx)
	if err != nil {
		logger.Fatalf("statistics: %v", err)
	}
	for _, fl := range fls {
		fmt.Printf("%-24s traps=%-6d hoard=%-6d\n",
			floors.TerritoryName(fl.TerritoryType), fl.TrapCount, fl.HoardCount)
	}
}
