// Package cli implements the coursegen command line client.
//
//	coursegen generate <prompt>   submit and wait for a course
//	coursegen status <id>         read a generation once
//	coursegen wait <id>           wait for an existing generation
//
// Settings come from the environment, then the YAML profile given with
// --config, then flags.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"coursegen/internal/client"
	"coursegen/internal/config"
	"coursegen/internal/models"
	"coursegen/internal/poller"
)

// Profile is the YAML file accepted by --config.
type Profile struct {
	APIBaseURL   string         `yaml:"api_base_url"`
	UserID       string         `yaml:"user_id"`
	PollInterval time.Duration  `yaml:"poll_interval"`
	PollTimeout  time.Duration  `yaml:"poll_timeout"`
	Options      map[string]any `yaml:"options"`
}

func loadProfile(path string) (Profile, error) {
	var p Profile
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return p, nil
}

// Settings are the resolved client settings of one invocation.
type Settings struct {
	APIBaseURL string
	UserID     string
	Interval   time.Duration
	Timeout    time.Duration
	Options    map[string]any
}

// ExitError carries the exit code of an outcome already reported to the user.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

type app struct {
	env config.Config
	log zerolog.Logger

	configPath string
	apiURL     string
	userID     string
	interval   time.Duration
	timeout    time.Duration

	newClient func(Settings) poller.Client
}

// BuildCLI assembles the root command. env supplies the defaults read from the
// environment.
func BuildCLI(env config.Config, logger zerolog.Logger) *cobra.Command {
	a := &app{
		env: env,
		log: logger,
		newClient: func(s Settings) poller.Client {
			return client.New(client.Options{BaseURL: s.APIBaseURL, UserID: s.UserID})
		},
	}
	return a.root()
}

func (a *app) root() *cobra.Command {
	root := &cobra.Command{
		Use:           "coursegen",
		Short:         "Generate online courses from a prompt",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := root.PersistentFlags()
	f.StringVarP(&a.configPath, "config", "c", "", "YAML profile with api_base_url, user_id, poll_interval, poll_timeout")
	f.StringVar(&a.apiURL, "api", "", "generation API base URL")
	f.StringVar(&a.userID, "user", "", "user id sent as X-User-ID")
	f.DurationVar(&a.interval, "interval", 0, "delay between status reads")
	f.DurationVar(&a.timeout, "timeout", 0, "give up waiting after this long")

	root.AddCommand(a.generateCommand(), a.statusCommand(), a.waitCommand())
	return root
}

func (a *app) settings(cmd *cobra.Command) (Settings, error) {
	s := Settings{
		APIBaseURL: a.env.APIBaseURL,
		Interval:   a.env.PollInterval,
		Timeout:    a.env.PollTimeout,
	}
	if a.configPath != "" {
		p, err := loadProfile(a.configPath)
		if err != nil {
			return s, err
		}
		if p.APIBaseURL != "" {
			s.APIBaseURL = p.APIBaseURL
		}
		if p.UserID != "" {
			s.UserID = p.UserID
		}
		if p.PollInterval > 0 {
			s.Interval = p.PollInterval
		}
		if p.PollTimeout > 0 {
			s.Timeout = p.PollTimeout
		}
		s.Options = p.Options
	}
	flags := cmd.Flags()
	if flags.Changed("api") {
		s.APIBaseURL = a.apiURL
	}
	if flags.Changed("user") {
		s.UserID = a.userID
	}
	if flags.Changed("interval") {
		s.Interval = a.interval
	}
	if flags.Changed("timeout") {
		s.Timeout = a.timeout
	}
	if s.APIBaseURL == "" {
		return s, errors.New("api base url is not set (use --api, the profile or API_BASE_URL)")
	}
	if s.Interval < 0 || s.Timeout < 0 {
		return s, errors.New("interval and timeout must not be negative")
	}
	return s, nil
}

func (a *app) poller(s Settings) *poller.Poller {
	return poller.New(a.newClient(s), poller.Options{Interval: s.Interval, Timeout: s.Timeout}, a.log)
}

func (a *app) generateCommand() *cobra.Command {
	var (
		lessons  int
		level    string
		coverURL string
		detach   bool
	)
	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Submit a prompt and wait for the course",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.settings(cmd)
			if err != nil {
				return err
			}
			opts := make(map[string]any, len(s.Options)+3)
			for k, v := range s.Options {
				opts[k] = v
			}
			if lessons > 0 {
				opts["lessons"] = lessons
			}
			if level != "" {
				opts["level"] = level
			}
			if coverURL != "" {
				opts["cover_url"] = coverURL
			}
			req := models.GenerationRequest{Prompt: strings.Join(args, " "), Options: opts}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p := a.poller(s)
			if detach {
				id, err := p.Submit(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "Generating course, this can take a couple of minutes...")
			task := p.Start(ctx, req, poller.Callbacks{})
			return a.report(cmd, task)
		},
	}
	cmd.Flags().IntVar(&lessons, "lessons", 0, "number of lessons")
	cmd.Flags().StringVar(&level, "level", "", "course level (beginner, intermediate, advanced)")
	cmd.Flags().StringVar(&coverURL, "cover-url", "", "image to crop into the course cover")
	cmd.Flags().BoolVar(&detach, "detach", false, "print the job id and exit without waiting")
	return cmd
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show the current status of a generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.settings(cmd)
			if err != nil {
				return err
			}
			job, err := a.poller(s).Poll(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), client.EncodeStatus(job))
		},
	}
}

func (a *app) waitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "wait <id>",
		Short: "Wait for an existing generation to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.settings(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.report(cmd, a.poller(s).Watch(ctx, args[0], poller.Callbacks{}))
		},
	}
}

// report waits for task and prints its outcome: the result on success, the
// server message on failure and retry guidance on timeout.
func (a *app) report(cmd *cobra.Command, task *poller.Task) error {
	defer task.Stop()
	state, err := task.Wait()
	if err != nil {
		return &ExitError{Code: 130, Err: fmt.Errorf("interrupted: %w", err)}
	}
	switch state.Phase {
	case poller.PhaseSuccess:
		return writeJSON(cmd.OutOrStdout(), state.Job.Result)
	case poller.PhaseTimeout:
		msg := fmt.Sprintf("Generation %s is still running. Check back later with: coursegen wait %s", state.JobID, state.JobID)
		if state.JobID == "" {
			msg = "Generation did not finish in time. Please try again."
		}
		fmt.Fprintln(cmd.ErrOrStderr(), msg)
		return &ExitError{Code: 2, Err: state.Err}
	default:
		fmt.Fprintln(cmd.ErrOrStderr(), state.Message())
		return &ExitError{Code: 1, Err: state.Err}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context, cmd *cobra.Command) int {
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
	return 1
}
