package main

import (
	"flag"
	"log"
	"time"

	"github.com/rarydzu/monoblob/blobfs/config"
	"github.com/rarydzu/monoblob/worker"
	"go.uber.org/zap"
)

var fStorePath = flag.String("store_path", "/tmp/monoblob", "Path to blob store.")
var fStoreName = flag.String("store_name", "monoblob", "Name of the blob store.")
var fMaxHandles = flag.Int("max_handles", 0, "Max open blob handles, 0 derives it from the fd limit.")
var fSecureDelete = flag.Bool("secure_delete", false, "Overwrite blob contents before deletion.")
var fStatPort = flag.String("stat_port", "", "Port for the stat endpoint, empty disables it.")
var fStatInterval = flag.Duration("stat_interval", time.Minute, "Interval between pool stats log lines.")
var fDev = flag.Bool("dev", false, "Run in development mode")

func main() {
	flag.Parse()
	logger, err := zap.NewProduction()
	if *fDev {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Failed to initialize zap logger: %v", err)
	}
	sugarlog := logger.Sugar()

	worker, err := worker.New(&config.Config{
		Path:            *fStorePath,
		StoreName:       *fStoreName,
		MaxOpenHandles:  *fMaxHandles,
		SecureDelete:    *fSecureDelete,
		DebugMode:       *fDev,
		ShutdownTimeout: 60 * time.Second,
		StatPort:        *fStatPort,
		StatInterval:    *fStatInterval,
	}, nil, sugarlog)
	if err != nil {
		log.Fatalf("worker: %v", err)
	}
	if err := worker.Start(); err != nil {
		log.Fatalf("Start: %v", err)
	}
	worker.Wait()
}
