package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{
		Use:   "fiscus",
		Short: "Public-spending investigation service",
	}

	root.AddCommand(serveCMD(), workerCMD(), migrateCMD(), investigateCMD(), tokenCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
