package registrycore

import (
	"log"
	"os"
)

var logger = log.New(os.Stderr, "registrycore: ", log.LstdFlags)
