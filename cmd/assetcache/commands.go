package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"chatrelay/config"
	"chatrelay/internal/assetcache"
	"chatrelay/internal/httpclient"
	"chatrelay/internal/logging"
)

type rootFlags struct {
	configPath string
	storage    string
	version    string
	origin     string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "assetcache",
		Short:         "Precache, activate and query the calculator asset cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "path to config.yaml (default: search . and ./config)")
	pf.StringVar(&flags.storage, "storage", "", "storage backend: memory, file, sqlite or redis")
	pf.StringVar(&flags.version, "version-tag", "", "cache generation to operate on")
	pf.StringVar(&flags.origin, "origin", "", "origin the engine controls")

	root.AddCommand(
		newInstallCmd(flags),
		newActivateCmd(flags),
		newFetchCmd(flags),
		newStoresCmd(flags),
	)
	return root
}

// session is one engine over one opened storage.
type session struct {
	cfg     *config.Config
	storage assetcache.Storage
	engine  *assetcache.Engine
}

func (s *session) Close() error {
	s.engine.Wait()
	return s.storage.Close()
}

func openSession(ctx context.Context, cmd *cobra.Command, flags *rootFlags) (*session, error) {
	if flags.configPath != "" {
		if err := os.Setenv("CONFIG_PATH", flags.configPath); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flags.storage != "" {
		cfg.Cache.Storage.Type = flags.storage
	}
	if flags.version != "" {
		cfg.Cache.Version = flags.version
	}
	if flags.origin != "" {
		cfg.Cache.Origin = flags.origin
	}

	logger := logging.New(cmd.ErrOrStderr(), logging.Options{Format: cfg.Logging.Format, Level: cfg.Logging.Level})

	storage, err := assetcache.NewStorage(ctx, cfg.Cache.Storage)
	if err != nil {
		return nil, err
	}

	clientCfg := httpclient.FromConfig(cfg.HTTP)
	engine, err := assetcache.New(assetcache.Options{
		Scope:       cfg.Cache.Origin,
		Prefix:      cfg.Cache.Prefix,
		Version:     cfg.Cache.Version,
		Assets:      cfg.Cache.Assets,
		OfflinePath: cfg.Cache.OfflinePath,
		Storage:     storage,
		Fetcher:     httpclient.NewHTTPClient(&clientCfg),
		Logger:      logger,
	})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	return &session{cfg: cfg, storage: storage, engine: engine}, nil
}

// takeControl resumes the current generation or installs and activates it.
func (s *session) takeControl(ctx context.Context) error {
	resumed, err := s.engine.Resume(ctx)
	if err != nil || resumed {
		return err
	}
	return s.engine.Run(ctx)
}

func newInstallCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Precache the core assets into the current generation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, cmd, flags)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.engine.Install(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s (%d assets)\n", s.engine.StoreName(), len(s.cfg.Cache.Assets))
			return nil
		},
	}
}

func newActivateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "activate",
		Short: "Delete every generation except the current one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, cmd, flags)
			if err != nil {
				return err
			}
			defer s.Close()

			resumed, err := s.engine.Resume(ctx)
			if err != nil {
				return err
			}
			if !resumed {
				if err := s.engine.Install(ctx); err != nil {
					return err
				}
			}
			if err := s.engine.Activate(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "activated %s\n", s.engine.StoreName())
			return nil
		},
	}
}

func newFetchCmd(flags *rootFlags) *cobra.Command {
	var navigate, headOnly bool
	cmd := &cobra.Command{
		Use:   "fetch <url-or-path>",
		Short: "Fetch a URL through the cache policy and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, cmd, flags)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.takeControl(ctx); err != nil {
				return err
			}

			u, err := s.engine.Resolve(args[0])
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return err
			}
			if navigate {
				req.Header.Set("Sec-Fetch-Mode", "navigate")
			}

			resp, err := s.engine.Fetch(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", resp.Proto, resp.Status)
			if headOnly {
				return resp.Header.Write(out)
			}
			_, err = io.Copy(out, resp.Body)
			return err
		},
	}
	cmd.Flags().BoolVar(&navigate, "navigate", false, "treat the request as a page navigation")
	cmd.Flags().BoolVar(&headOnly, "head", false, "print headers instead of the body")
	return cmd
}

func newStoresCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stores",
		Short: "List cache generations; the current one is marked with *",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, cmd, flags)
			if err != nil {
				return err
			}
			defer s.Close()

			names, err := s.storage.Keys(ctx)
			if err != nil {
				return err
			}
			for _, name := range names {
				mark := " "
				if name == s.engine.StoreName() {
					mark = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", mark, name)
			}
			return nil
		},
	}
}
