package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	// Catalog backends register themselves by DATABASE_URL scheme.
	_ "github.com/kozaktomas/reid-catalog/internal/database/badger"
	_ "github.com/kozaktomas/reid-catalog/internal/database/mariadb"
	_ "github.com/kozaktomas/reid-catalog/internal/database/postgres"
)

var rootCmd = &cobra.Command{
	Use:   "reid-catalog",
	Short: "Online person re-identification catalog",
	Long: `reid-catalog keeps a catalog of person identities built from appearance
features. Tracker cycles are routed to identity resolution or identity
maintenance, scored by a re-ranking similarity oracle and persisted to the
configured backend.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
