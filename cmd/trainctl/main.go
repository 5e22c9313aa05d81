package main

import (
	"os"

	"traind/internal/trainctl"
)

func main() {
	os.Exit(trainctl.Main())
}
