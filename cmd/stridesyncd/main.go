// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

// stridesyncd is the reference sync server for StrideQuest clients. It
// exposes the authoritative apply API backed by Postgres and authenticates
// devices with short-lived JWTs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "stridesyncd",
	Short:         "StrideQuest sync server",
	Long:          "stridesyncd serves the apply API that offline-first StrideQuest clients drain their pending-action queues against.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	rootCmd.AddCommand(
		newServeCmd(),
		newQuestDefCmd(),
		newTokenCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
