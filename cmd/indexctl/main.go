package main

import (
	"os"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/cmd/indexctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
