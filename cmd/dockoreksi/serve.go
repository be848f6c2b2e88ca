package main

import (
	"io"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	cfgpkg "dockoreksi/internal/config"
	"dockoreksi/internal/diag"
	"dockoreksi/internal/server"
	"dockoreksi/pkg/contract"
)

// serveHTTP 可在测试中替换，避免真实监听。
var serveHTTP = (*server.Server).ListenAndServe

func newServeCmd(g *globalFlags, stderr io.Writer) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务（POST /v1/corrections）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g, nil, stderr)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger := newLogger(cfg)
			defer logger.Close()

			srv, closeStore, err := buildServer(cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()
			gin.SetMode(gin.ReleaseMode)
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			t := logger.StartWithKV("server", "listen", "", "", map[string]string{"addr": cfg.Server.Addr})
			if err := serveHTTP(srv, ctx, cfg.Server.Addr); err != nil {
				logger.Error("server", string(diag.Classify(err)), "serve failed", nil)
				return runErr(err)
			}
			t.Finish("shutdown", 0)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "监听地址（覆盖 server.addr）")
	return cmd
}

// buildServer 装配组件并构建 Server；返回的 close 释放用户登记后端。
func buildServer(cfg cfgpkg.Config, logger *diag.Logger) (*server.Server, func() error, error) {
	comp, set, err := cfgpkg.Assemble(cfg, logger)
	if err != nil {
		return nil, nil, configErr("装配失败: %w", err)
	}
	store, err := cfgpkg.OpenUsage(cfg.Usage, logger)
	if err != nil {
		return nil, nil, configErr("用户登记后端不可用: %w", err)
	}
	all := cfgpkg.Modes(cfg)
	modes := make([]contract.Mode, 0, len(all))
	for _, m := range all {
		modes = append(modes, m)
	}
	sort.Slice(modes, func(i, j int) bool { return modes[i].Name < modes[j].Name })

	srv, err := server.New(server.Deps{
		Engine:      comp.Engine,
		Extractor:   comp.Extractor,
		Usage:       store,
		Modes:       modes,
		Resolve:     func(name string) (contract.Mode, error) { return cfgpkg.ResolveMode(cfg, name) },
		DefaultMode: set.Mode,
	}, server.Options{
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
		Process:        set.Options,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, nil, configErr("服务初始化失败: %w", err)
	}
	return srv, store.Close, nil
}
