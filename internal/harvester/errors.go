package harvester

import "errors"

var errAlreadyRunning = errors.New("harvester already running")
