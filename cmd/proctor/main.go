package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/unielevate/proctor/internal/handler"
	appI18n "github.com/unielevate/proctor/internal/i18n"
	"github.com/unielevate/proctor/internal/model"
	"github.com/unielevate/proctor/internal/monitor"
	"github.com/unielevate/proctor/internal/registry"
	"github.com/unielevate/proctor/internal/store"
	"github.com/unielevate/proctor/internal/stream"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "proctor",
		Short: "Admin console for the proctored exam platform",
	}

	serve := serveCmd()
	root.AddCommand(serve, seedCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `proctor --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the console HTTP server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "proctor.db", "SQLite database path")
	f.String("redis-addr", "", "Redis address for the change stream (empty = in-process stream)")
	f.StringP("lang", "l", "en", "Default message language (en, ru)")
	f.Int("warm-exams", monitor.DefaultWarmExams, "How many exams keep live rollups in memory")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.String("admin-password", "", "Initial admin password (or set PROCTOR_ADMIN_PASSWORD)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert a demo exam and demo student registrations",
		RunE:  runSeed,
	}
	f := cmd.Flags()
	f.String("db", "proctor.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("PROCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("proctor")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/proctor")
	v.AddConfigPath("/etc/proctor")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := context.Background()

	// Pick the change stream: Redis when an address is given, otherwise
	// the in-process stream. The store publishes confirmed writes to the
	// same stream the monitor subscribes to, so both modes behave alike.
	var (
		source stream.Source
		pub    stream.Publisher
	)
	if redisAddr := v.GetString("redis-addr"); redisAddr != "" {
		rs, err := stream.NewRedis(redisAddr)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rs.Close()
		source, pub = rs, rs
		slog.Info("using redis change stream", "addr", redisAddr)
	} else {
		ms := stream.NewMemory()
		source, pub = ms, ms
		slog.Info("using in-process change stream")
	}

	db, err := store.New(v.GetString("db"), pub)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seedAdmin(ctx, db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	cache := registry.NewCache()
	coord := registry.NewCoordinator(db, cache)

	mon := monitor.New(db, source, cache, v.GetInt("warm-exams"))
	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}
	defer mon.Close()

	h := handler.New(db, cache, coord, mon, handler.Config{
		SecureCookies: v.GetBool("secure-cookies"),
	})

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting console",
		"addr", addr,
		"db", v.GetString("db"),
		"lang", lang,
		"warm_exams", v.GetInt("warm-exams"),
	)
	return http.ListenAndServe(addr, r)
}

const demoSeedKey = "demo_seeded"

func runSeed(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := context.Background()

	db, err := store.New(v.GetString("db"), stream.NewMemory())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if done, err := db.GetMetadata(ctx, demoSeedKey); err != nil {
		return fmt.Errorf("check seed marker: %w", err)
	} else if done != "" {
		slog.Info("demo data already seeded, nothing to do")
		return nil
	}

	exam := model.Exam{
		Title:      "Introduction to Networks",
		Duration:   45,
		AccessCode: "NET-101",
		Questions: []model.Question{
			{
				Text:          "Which layer of the OSI model is responsible for routing?",
				Type:          model.QuestionMCQ,
				Options:       []string{"Physical", "Data link", "Network", "Transport"},
				CorrectAnswer: "Network",
			},
			{
				Text:     "Explain the difference between TCP and UDP and give one use case for each.",
				Type:     model.QuestionTheory,
				Keywords: []string{"reliable", "connection", "handshake", "datagram", "streaming"},
			},
		},
	}
	created, err := db.CreateExam(ctx, exam)
	if err != nil {
		return fmt.Errorf("seed exam: %w", err)
	}

	students := []model.RegistryStudent{
		{Name: "Ada Okafor", Email: "ada.okafor@example.edu"},
		{Name: "Jean Moreau", Email: "jean.moreau@example.edu"},
	}
	for _, rs := range students {
		if err := db.AddRegistryStudent(ctx, rs); err != nil {
			return fmt.Errorf("seed student %s: %w", rs.Email, err)
		}
	}

	if err := db.SetMetadata(ctx, demoSeedKey, "1"); err != nil {
		return fmt.Errorf("set seed marker: %w", err)
	}
	slog.Info("seeded demo data", "exam_id", created.ID, "students", len(students))
	return nil
}

func seedAdmin(ctx context.Context, db *store.Store, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or PROCTOR_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(ctx, model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
