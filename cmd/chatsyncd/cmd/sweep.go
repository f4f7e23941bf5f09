package cmd

import (
	"github.com/spf13/cobra"

	"chatsync/pkg/attach"
	"chatsync/pkg/config"
	"chatsync/pkg/logger"
	"chatsync/pkg/retention"
	"chatsync/pkg/store"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retention sweep and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgPath
		if path == "" {
			path = "chatsync.yaml"
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		logger.Init(cfg.Logging.Level, cfg.Logging.Format)
		defer logger.Sync()

		st, err := store.Open(cfg.Storage.DBPath, logger.Log.Named("store"))
		if err != nil {
			return err
		}
		defer st.Close()
		at, err := attach.New(cfg.Storage.AttachDir, logger.Log.Named("attach"))
		if err != nil {
			return err
		}
		sw := retention.New(st, at, cfg.Retention.MaxFailedAge.Duration(), logger.Log.Named("retention"))
		return sw.RunOnce()
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
