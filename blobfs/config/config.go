package config

import (
	"time"

	"github.com/jacobsa/timeutil"
)

type Config struct {
	// Path to the directory holding blob data and metadata stores.
	Path string
	//StoreName name of the blob store
	StoreName string
	//MaxOpenHandles pool capacity; 0 means derive from the process fd limit
	MaxOpenHandles int
	//SecureDelete default destruction mode for new blobs
	SecureDelete bool
	//DebugMode run in debug mode
	DebugMode bool
	//ShutdownTimeout timeout for shutdown
	ShutdownTimeout time.Duration
	//StatPort diagnostics endpoint port
	StatPort string
	//StatInterval period between pool stats log lines
	StatInterval time.Duration
	//Clock time source, nil means wall clock
	Clock timeutil.Clock
}
