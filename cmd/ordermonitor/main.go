package main

import (
	"fmt"
	"os"

	"github.com/edward179/ecommerce-ETL-pipeline/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ordermonitor",
	Short: "Hourly order transformation and delayed-order check",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
