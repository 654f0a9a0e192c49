package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/campusface/attendance/internal/auth"
	"github.com/campusface/attendance/internal/config"
	"github.com/campusface/attendance/internal/cvengine"
	"github.com/campusface/attendance/internal/live"
	"github.com/campusface/attendance/internal/logger"
)

var cfg = config.Load()

var rootCmd = &cobra.Command{
	Use:   "attendance-agent",
	Short: "Classroom capture agent for the attendance API",
	Long: `attendance-agent runs next to a classroom camera. Every interval it grabs a
frame, asks the CV engine who is in it and marks those students present
through the attendance API, while following the API's live stream so the
roster shows marks made from anywhere.`,
	SilenceUsage: true,
}

var runOpts struct {
	course   string
	camera   string
	interval time.Duration
	apiURL   string
	cvURL    string
	token    string
	noFeed   bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a live capture session for one course",
	Long: `Start a live capture session. --camera is either an http(s) snapshot URL
or a directory of .jpg/.png frames that are replayed in name order.

Example:
  attendance-agent run --course 64f1c2... --camera http://10.0.0.12/snapshot.jpg
  attendance-agent run --course 64f1c2... --camera ./frames --interval 2s`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		log := logger.New("attendance-agent", cfg.Env, cfg.LogLevel)
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runSession(ctx, log)
	},
}

var tokenOpts struct {
	subject string
	ttl     time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin token signed with JWT_SIGNING_KEY",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		tok, err := auth.Issue(tokenOpts.subject, cfg.JWTIssuer, cfg.JWTSigningKey, tokenOpts.ttl)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok.Value)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", tok.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

func newCamera(src string) live.Camera {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return live.NewSnapshotCamera(src, 10*time.Second)
	}
	return live.NewDirCamera(src)
}

func runSession(ctx context.Context, log *zap.Logger) error {
	token := runOpts.token
	if token == "" && cfg.AuthEnabled {
		tok, err := auth.Issue("attendance-agent", cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		token = tok.Value
	}

	cv := cvengine.New(runOpts.cvURL, cfg.CVEngineTimeout, cfg.CVEngineSkip)
	if err := cv.Health(ctx); err != nil {
		log.Warn("cv engine not available, cycles will fail until it is", zap.Error(err))
	}

	var feed *live.Feed
	if !runOpts.noFeed {
		feed = live.NewFeed(runOpts.apiURL, runOpts.course, token, log)
	}

	reg := live.NewRegistry()
	defer reg.ReleaseAll()

	session := live.NewSession(
		live.Config{CourseID: runOpts.course, Interval: runOpts.interval},
		newCamera(runOpts.camera),
		reg,
		cv,
		live.NewAPIClient(runOpts.apiURL, token, 30*time.Second),
		feed,
		log,
	)
	session.OnMarked = func(added []live.Entry) {
		for _, e := range added {
			fmt.Printf("marked %-12s %-24s %.2f\n", e.StudentID, e.StudentName, e.Confidence)
		}
		fmt.Printf("%d students present\n", session.Roster().Len())
	}

	err := session.Run(ctx)
	if errors.Is(err, live.ErrCameraBusy) {
		return fmt.Errorf("camera %s is in use", runOpts.camera)
	}
	if err != nil {
		return err
	}

	fmt.Println("session ended, roster:")
	for _, e := range session.Roster().Snapshot() {
		mark := " "
		if e.Confirmed {
			mark = "*"
		}
		fmt.Printf("%s %-12s %-24s %s\n", mark, e.StudentID, e.StudentName, e.MarkedAt.Format("15:04:05"))
	}
	return nil
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOpts.course, "course", "", "course id to mark attendance for")
	f.StringVar(&runOpts.camera, "camera", "", "snapshot URL or frame directory")
	f.DurationVar(&runOpts.interval, "interval", 5*time.Second, "time between captures")
	f.StringVar(&runOpts.apiURL, "api", cfg.APIURL, "attendance API base URL")
	f.StringVar(&runOpts.cvURL, "cv", cfg.CVEngineURL, "CV engine base URL")
	f.StringVar(&runOpts.token, "token", "", "bearer token for the API (issued locally when AUTH_ENABLED)")
	f.BoolVar(&runOpts.noFeed, "no-feed", false, "do not follow the API's live stream")
	_ = runCmd.MarkFlagRequired("course")
	_ = runCmd.MarkFlagRequired("camera")

	tf := tokenCmd.Flags()
	tf.StringVar(&tokenOpts.subject, "subject", "admin", "token subject")
	tf.DurationVar(&tokenOpts.ttl, "ttl", cfg.AccessTTL, "token lifetime")

	rootCmd.AddCommand(runCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
