package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/pavelanni/qgen/internal/client"
	"github.com/pavelanni/qgen/internal/generation"
	"github.com/pavelanni/qgen/internal/handler"
	appI18n "github.com/pavelanni/qgen/internal/i18n"
	"github.com/pavelanni/qgen/internal/model"
	"github.com/pavelanni/qgen/internal/render"
	"github.com/pavelanni/qgen/internal/review"
	"github.com/pavelanni/qgen/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "qgen",
		Short:             "Stream and review generated exam questions",
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
	pf := root.PersistentFlags()
	pf.String("api-url", client.DefaultBaseURL, "Question generator API base URL")
	pf.String("token", "", "API bearer token (or set QGEN_TOKEN)")
	pf.StringP("lang", "l", "en", "Output language (en, ru)")
	pf.Bool("no-color", false, "Disable colored output")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "text", "Log format (text, json)")

	root.AddCommand(serveCmd(), generateCmd(), sessionCmd(), reviewCmd(), exportCmd())
	return root
}

// setup configures logging, colors and the localizer before any command runs.
func setup(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	color.NoColor = v.GetBool("no-color") || !term.IsTerminal(int(os.Stdout.Fd()))

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	if !appI18n.Supported(lang) {
		slog.Warn("unsupported language, falling back to English", "lang", lang)
	}
	cmd.SetContext(appI18n.WithLocalizer(cmd.Context(), appI18n.NewLocalizer(lang, "en")))
	return nil
}

func setupLogging(v *viper.Viper) {
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

	v.SetEnvPrefix("QGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("qgen")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/qgen")
	v.AddConfigPath("/etc/qgen")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func newClient(v *viper.Viper) *client.Client {
	return client.New(v.GetString("api-url"), &http.Client{}, client.StaticToken(v.GetString("token")))
}

func printer(cmd *cobra.Command) *render.Printer {
	return render.New(cmd.Context(), cmd.OutOrStdout())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the question generator API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "qgen.db", "SQLite database path")
	f.Duration("event-delay", 150*time.Millisecond, "Pause before each streamed event")
	f.Int("chunk-size", 24, "Characters per streamed text fragment")
	f.Int("fail-after", 0, "Fail each generation after this many questions (0 = never)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seedToken(db, v.GetString("token")); err != nil {
		return fmt.Errorf("seed token: %w", err)
	}

	h, err := handler.New(db, handler.Config{
		EventDelay: v.GetDuration("event-delay"),
		ChunkSize:  v.GetInt("chunk-size"),
		FailAfter:  v.GetInt("fail-after"),
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(v.GetString("lang")))
	h.Routes(r)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// Open streams see shutdown as a client disconnect.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("starting server",
		"addr", addr,
		"db", v.GetString("db"),
		"event_delay", v.GetDuration("event-delay"),
		"fail_after", v.GetInt("fail-after"),
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// seedToken stores the hash of token. "-" reads the token from stdin; an
// empty token keeps whatever hash is already stored.
func seedToken(db *store.Store, token string) error {
	if token == "-" {
		var err error
		if token, err = readToken(); err != nil {
			return err
		}
	}
	if token == "" {
		hash, err := db.TokenHash()
		if err != nil {
			return err
		}
		if hash == "" {
			slog.Warn("no API token configured, the API is unauthenticated")
		}
		return nil
	}

	hash, err := handler.HashToken(token, bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}
	if err := db.SetTokenHash(hash); err != nil {
		return err
	}
	slog.Info("API token configured")
	return nil
}

func readToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "API token: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Generate questions and stream them as they are written",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runGenerate,
	}
	f := cmd.Flags()
	f.IntP("count", "n", model.DefaultQuestionCount, "Number of questions")
	f.StringSliceP("type", "t", []string{string(model.QuestionMCQ)}, "Question types (MCQ, TRUE_FALSE, SHORT_ANSWER, ESSAY)")
	f.StringP("difficulty", "d", string(model.DifficultyMedium), "Difficulty (easy, medium, hard)")
	f.StringSliceP("material", "m", nil, "Material IDs to draw sources from (repeatable)")
	f.String("subject", "", "Subject of the questions")
	f.String("topic", "", "Topic of the questions")
	f.String("provider", "", "AI provider to request")
	f.String("model", "", "Model name to request")
	f.StringSlice("blooms", nil, "Bloom's taxonomy levels to target")
	f.Bool("no-stream", false, "Wait for the full result instead of streaming")
	f.Bool("json", false, "Print the persisted session as JSON")
	return cmd
}

func generateRequest(v *viper.Viper, args []string) model.GenerateRequest {
	req := model.GenerateRequest{
		QuestionCount: v.GetInt("count"),
		Difficulty:    model.Difficulty(strings.ToLower(v.GetString("difficulty"))),
		MaterialIDs:   v.GetStringSlice("material"),
		Subject:       v.GetString("subject"),
		Topic:         v.GetString("topic"),
		AIProvider:    v.GetString("provider"),
		ModelName:     v.GetString("model"),
		BloomsLevels:  v.GetStringSlice("blooms"),
	}
	if len(args) > 0 {
		req.Prompt = args[0]
	}
	for _, t := range v.GetStringSlice("type") {
		req.QuestionTypes = append(req.QuestionTypes, model.QuestionType(strings.ToUpper(t)))
	}
	return req.WithDefaults()
}

func runGenerate(cmd *cobra.Command, args []string) error {
	v := viperForCmd(cmd)
	req := generateRequest(v, args)
	if err := req.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := newClient(v)
	p := printer(cmd)

	if v.GetBool("no-stream") {
		d, err := c.Generate(ctx, req)
		if err != nil {
			return fmt.Errorf("generate: %w", err)
		}
		if v.GetBool("json") {
			return writeJSON(cmd.OutOrStdout(), d)
		}
		p.SessionDetail(d)
		return nil
	}

	var live *render.Live
	opts := []generation.Option{generation.WithLogger(slog.Default())}
	if !v.GetBool("json") {
		live = render.NewLive(p)
		opts = append(opts, generation.WithObserver(live.Update))
	}
	gen := generation.New(c, opts...)

	snap, err := gen.Run(ctx, req)
	if live != nil {
		live.Finish(snap)
	}
	if err != nil {
		return err
	}
	if v.GetBool("json") {
		if snap.Persisted != nil {
			return writeJSON(cmd.OutOrStdout(), snap.Persisted)
		}
		return writeJSON(cmd.OutOrStdout(), snap)
	}
	return nil
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect generation sessions",
	}
	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a persisted session with its questions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viperForCmd(cmd)
			d, err := newClient(v).GetSession(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}
			if v.GetBool("json") {
				return writeJSON(cmd.OutOrStdout(), d)
			}
			printer(cmd).SessionDetail(d)
			return nil
		},
	}
	show.Flags().Bool("json", false, "Print the session as JSON")
	cmd.AddCommand(show)
	return cmd
}

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Review generated questions",
	}
	cmd.AddCommand(
		reviewPendingCmd(),
		reviewSessionsCmd(),
		reviewDecisionCmd("approve", "Approve a question", (*review.Workflow).Approve, "Approved"),
		reviewDecisionCmd("reject", "Reject a question", (*review.Workflow).Reject, "Rejected"),
		reviewEditCmd(),
	)
	return cmd
}

func addPageFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("page", "p", 1, "Page number")
	cmd.Flags().Int("page-size", model.DefaultPageSize, "Items per page")
}

func newWorkflow(v *viper.Viper) *review.Workflow {
	return review.New(newClient(v), review.WithLogger(slog.Default()), review.WithPageSize(v.GetInt("page-size")))
}

func reviewPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List questions awaiting review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := viperForCmd(cmd)
			w := newWorkflow(v)
			if err := w.SetPage(cmd.Context(), v.GetInt("page")); err != nil {
				return fmt.Errorf("load pending questions: %w", err)
			}
			printer(cmd).PendingPage(w.Pending())
			return nil
		},
	}
	addPageFlags(cmd)
	return cmd
}

func reviewSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List generation sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := viperForCmd(cmd)
			w := newWorkflow(v)
			w.SetMode(review.ModeSessions)
			if err := w.SetPage(cmd.Context(), v.GetInt("page")); err != nil {
				return fmt.Errorf("load sessions: %w", err)
			}

			expand := v.GetStringSlice("expand")
			if v.GetBool("expand-all") {
				expand = expand[:0]
				for _, g := range w.Sessions().Items {
					expand = append(expand, g.Session.ID)
				}
			}
			for _, id := range expand {
				if err := w.Expand(cmd.Context(), id); err != nil {
					slog.Warn("cannot expand session", "session_id", id, "error", err)
				}
			}
			printer(cmd).SessionsPage(w.Sessions())
			return nil
		},
	}
	addPageFlags(cmd)
	cmd.Flags().StringSliceP("expand", "e", nil, "Session IDs whose questions to show")
	cmd.Flags().Bool("expand-all", false, "Show the questions of every listed session")
	return cmd
}

type decisionFunc func(*review.Workflow, context.Context, string, string) (bool, error)

func reviewDecisionCmd(use, short string, decide decisionFunc, doneMsg string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <session-id> <question-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viperForCmd(cmd)
			ok, err := decide(review.New(newClient(v)), cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			msg := doneMsg
			if !ok {
				msg = "AlreadyInFlight"
			}
			fmt.Fprintln(cmd.OutOrStdout(), appI18n.Td(cmd.Context(), msg, map[string]any{"ID": args[1]}))
			return nil
		},
	}
}

func reviewEditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit <session-id> <question-id>",
		Short: "Edit a question's text, options, answer or explanation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viperForCmd(cmd)
			sessionID, questionID := args[0], args[1]
			c := newClient(v)

			d, err := c.GetSession(cmd.Context(), sessionID)
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}
			q, ok := d.Question(questionID)
			if !ok {
				return fmt.Errorf("question %s not found in session %s", questionID, sessionID)
			}

			u := model.QuestionUpdate{
				Text:          q.Text,
				Options:       q.Options,
				CorrectAnswer: q.CorrectAnswer,
				Explanation:   q.Explanation,
			}
			f := cmd.Flags()
			if f.Changed("text") {
				u.Text = v.GetString("text")
			}
			if f.Changed("option") {
				u.Options = v.GetStringSlice("option")
			}
			if f.Changed("answer") {
				u.CorrectAnswer = v.GetString("answer")
			}
			if f.Changed("explanation") {
				u.Explanation = v.GetString("explanation")
			}

			w := review.New(c)
			w.EditDraft(sessionID, questionID, u)
			if err := w.Update(cmd.Context(), sessionID, questionID, u); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), appI18n.Td(cmd.Context(), "Updated", map[string]any{"ID": questionID}))
			return nil
		},
	}
	f := cmd.Flags()
	f.String("text", "", "New question text")
	f.StringSlice("option", nil, "Answer options (repeatable, replaces all)")
	f.String("answer", "", "Correct answer")
	f.String("explanation", "", "Explanation")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export reviewed questions from the server database as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "qgen.db", "SQLite database path")
	f.String("status", string(model.ReviewApproved), "Review status to export (pending, approved, rejected)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func runExport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)

	status := model.ReviewStatus(strings.ToLower(v.GetString("status")))
	switch status {
	case model.ReviewPending, model.ReviewApproved, model.ReviewRejected:
	default:
		return fmt.Errorf("unknown review status %q", status)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportQuestions(status)
	if err != nil {
		return fmt.Errorf("export questions: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if err := writeJSON(w, export); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	slog.Info(appI18n.Tp(cmd.Context(), "QuestionsExported", export.Total), "status", status, "output", outPath)
	return nil
}
