package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "ragline"}

	root.AddCommand(serveCMD(), ingestCMD(), migrateCMD())
	_ = root.Execute()
}
