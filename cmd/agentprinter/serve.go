package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/benrben/agentpriinter/pkg/agent"
	"github.com/benrben/agentpriinter/pkg/auth"
	"github.com/benrben/agentpriinter/pkg/protocol"
	"github.com/benrben/agentpriinter/pkg/server"
)

func serveCmd() *cobra.Command {
	var (
		addr        string
		configPath  string
		historyPath string
		templateDir string
		watch       bool
		jwtSecret   string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the delivery server",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(logLevel)

			config := server.DefaultConfig()
			if configPath != "" {
				loaded, err := server.LoadConfig(configPath)
				if err != nil {
					return err
				}
				config = loaded
			}
			if addr != "" {
				config.Address = addr
			}
			if historyPath != "" {
				config.HistoryPath = historyPath
			}
			if templateDir != "" {
				config.TemplateDir = templateDir
			}
			if watch {
				config.WatchTemplates = true
			}

			srv, err := server.New(config)
			if err != nil {
				return err
			}
			if jwtSecret != "" {
				srv.SetAuthHook(auth.JWTBearer([]byte(jwtSecret)))
			}

			wireHandlers(srv)
			return srv.Run()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default :8000)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "TOML config file")
	cmd.Flags().StringVar(&historyPath, "history", "", "SQLite file for durable session history")
	cmd.Flags().StringVar(&templateDir, "templates", "", "directory of JSON page templates")
	cmd.Flags().BoolVar(&watch, "watch", false, "hot-reload templates on change")
	cmd.Flags().StringVar(&jwtSecret, "jwt-secret", "", "require a valid HS256 bearer token on connect")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

// wireHandlers registers the built-in action handlers: the echo agent under
// the agent target prefix and a navigation action.
func wireHandlers(srv *server.Server) {
	m := srv.Manager()

	runner := agent.NewRunner(m.Broadcast, slog.Default())
	runner.Register("echo", agent.Echo())
	m.Actions().RegisterTarget("agent", func(ctx context.Context, msg *protocol.Message, conn server.Conn) error {
		return runner.HandleAction(ctx, msg)
	})

	m.Actions().RegisterAction("navigate", func(ctx context.Context, msg *protocol.Message, conn server.Conn) error {
		action, verr := protocol.ParseActionPayload(msg.Payload)
		if verr != nil {
			return verr
		}
		header := protocol.NewHeader(msg.Header.TraceID)
		header.SessionID = msg.Session()
		nav, err := protocol.NewMessage(protocol.TypeNavigate, header, protocol.Navigation{
			To: action.PayloadMapping["to"],
		})
		if err != nil {
			return err
		}
		return m.Broadcast(nav)
	})
}

func setupLogging(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}
