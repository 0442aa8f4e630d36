package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/facebookgo/stats"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ndlib/bcat/metrics"
	"github.com/ndlib/bcat/server"
	"github.com/ndlib/bcat/store"
)

func serveCommand() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve catalogs and run the repo refresh loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, configSet)
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Server.Port = port
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "port to listen on")
	return cmd
}

func serve(cfg *Config) error {
	setupSentry(cfg)
	s := &server.RESTServer{
		PortNumber: cfg.Server.Port,
		PProfPort:  cfg.Server.PProfPort,
		CacheDir:   cfg.Server.CacheDir,
		CacheSize:  cfg.Server.CacheSize,
	}
	var st stats.Client
	if cfg.Metrics.Enabled {
		s.Metrics = metrics.NewCollector(cfg.Metrics.Namespace)
		st = s.Metrics
	}

	fs := afero.NewOsFs()
	if cfg.Server.Source != "" {
		upstream, err := parselocation(fs, cfg.Server.Source, "")
		if err != nil {
			return err
		}
		s.Source = upstream
		if cfg.Server.Local != "" {
			local, err := parselocation(fs, cfg.Server.Local, "")
			if err != nil {
				return err
			}
			s.Source = store.NewOverlay(local, upstream)
		}
	}
	if cfg.Server.TokenFile != "" {
		v, err := server.NewListValidatorFile(fs, cfg.Server.TokenFile)
		if err != nil {
			return err
		}
		s.Validator = v
	}

	if len(cfg.Sources) > 0 {
		r, closer, err := openRepo(cfg, true, st)
		if err != nil {
			return err
		}
		defer closer()
		s.Repo = r
		if s.Metrics != nil {
			s.Metrics.GaugeFunc("repo.tasks", "live tasks of the repo", func() float64 {
				return float64(len(r.ActiveTasks()))
			})
		}
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Println("Received shutdown signal, stopping")
		s.Stop()
	}()
	return s.Run()
}
