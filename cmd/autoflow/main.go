package main

import (
	"fmt"
	"os"

	"github.com/ignatij/autoflow/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "autoflow",
	Short: "Workflow automation for invoices and client emails",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
