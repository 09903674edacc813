package cli

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var flagSeed bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		if err := migrate(db); err != nil {
			return err
		}
		logrus.Info("Database migration completed")

		if !flagSeed {
			return nil
		}
		eng, err := buildEngine(cfg, db, nil, nil, logrus.StandardLogger())
		if err != nil {
			return err
		}
		defer eng.Close()
		n, err := eng.service.SeedDefaultHooks(context.Background())
		if err != nil {
			return err
		}
		logrus.Infof("Seeded %d default automation hooks", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&flagSeed, "seed", false, "install the default automation hooks")
}
