// Command voxwire is the terminal voice client for the voxwire relay:
// push-to-talk microphone capture, assistant playback through the speakers,
// and a small command loop on stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/voxwire-ai/voxwire/internal/dotenv"
	"github.com/voxwire-ai/voxwire/pkg/client"
	"github.com/voxwire-ai/voxwire/pkg/device"
	voxwire "github.com/voxwire-ai/voxwire/sdk"
)

const defaultRelayURL = "http://127.0.0.1:8880"

func parseConfig(args []string, getenv func(string) string) (client.Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	fs := flag.NewFlagSet("voxwire", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configPath := fs.String("config", "", "config file path (default ~/.voxwire.yaml)")
	relayURL := fs.String("relay", "", "relay base URL")
	token := fs.String("token", "", "bearer token (or VOXWIRE_AUTH_TOKEN)")
	voice := fs.String("voice", "", "voice id")
	model := fs.String("model", "", "speech model override")
	instructions := fs.String("instructions", "", "system instructions for the session")
	transport := fs.String("transport", "", "assistant audio transport: base64_json or binary")
	subject := fs.String("subject", "", "subject id for per-user context")

	if err := fs.Parse(args); err != nil {
		return client.Config{}, err
	}

	cfg, err := baseConfig(*configPath)
	if err != nil {
		return client.Config{}, err
	}

	if *relayURL != "" {
		cfg.RelayURL = *relayURL
	}
	if *token != "" {
		cfg.AuthToken = *token
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = strings.TrimSpace(getenv("VOXWIRE_AUTH_TOKEN"))
	}
	if *voice != "" {
		cfg.VoiceID = *voice
	}
	if *model != "" {
		cfg.Model = *model
	}
	if *instructions != "" {
		cfg.Instructions = *instructions
	}
	if *transport != "" {
		cfg.AudioTransport = *transport
	}
	if *subject != "" {
		cfg.SubjectID = *subject
	}
	if cfg.RelayURL == "" {
		cfg.RelayURL = defaultRelayURL
	}

	if err := cfg.Validate(); err != nil {
		return client.Config{}, err
	}
	return cfg, nil
}

// baseConfig reads the config file. An absent default file is fine; an
// explicitly named one must exist.
func baseConfig(path string) (client.Config, error) {
	explicit := path != ""
	if !explicit {
		def, err := client.DefaultPath()
		if err != nil {
			// No home directory means no default config file.
			return client.Config{}, nil
		}
		path = def
	}
	cfg, err := client.ReadConfig(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return client.Config{}, nil
		}
		return client.Config{}, err
	}
	return cfg, nil
}

func runClient(ctx context.Context, cfg client.Config, in io.Reader, out, errOut io.Writer) error {
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: slog.LevelWarn}))

	audioCtx, err := device.NewContext(logger)
	if err != nil {
		return fmt.Errorf("init audio: %w", err)
	}
	defer audioCtx.Close()

	mic, err := device.NewCapture(audioCtx, device.CaptureConfig{QueueFrames: cfg.CaptureQueueFrames})
	if err != nil {
		return fmt.Errorf("open microphone: %w", err)
	}
	defer mic.Close()

	speaker, err := device.NewPlayback(audioCtx)
	if err != nil {
		return fmt.Errorf("open speaker: %w", err)
	}
	defer speaker.Close()

	vc := voxwire.NewClient(cfg.RelayURL,
		voxwire.WithAuthToken(cfg.AuthToken),
		voxwire.WithLogger(logger),
	)
	ctrl := client.NewController(vc, mic, speaker, cfg, logger)
	speaker.Bind(ctrl.Output())

	fmt.Fprintf(out, "voxwire: dialing %s\n", cfg.RelayURL)
	fmt.Fprintln(out, "commands: /talk, /done, /stop, /text <msg>, /image <path>, /state, /end")

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// The session ending for any reason winds the other loops down.
		defer stop()
		return ctrl.Run(gctx)
	})
	g.Go(func() error {
		printEvents(ctrl.Events(), out)
		return nil
	})
	g.Go(func() error {
		return commandLoop(gctx, ctrl, in, out, errOut)
	})
	return g.Wait()
}

// commandLoop reads slash commands from in. Bare lines are sent as text
// messages; EOF requests a graceful session end.
func commandLoop(ctx context.Context, ctrl *client.Controller, in io.Reader, out, errOut io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return ctrl.End()
			}
			dispatch(ctrl, strings.TrimSpace(line), out, errOut)
		}
	}
}

func dispatch(ctrl *client.Controller, line string, out, errOut io.Writer) {
	switch {
	case line == "":

	case line == "/talk":
		if err := ctrl.BeginUtterance(); err != nil {
			fmt.Fprintf(errOut, "talk: %v\n", err)
		}

	case line == "/done":
		if err := ctrl.EndUtterance(); err != nil {
			fmt.Fprintf(errOut, "done: %v\n", err)
		}

	case line == "/stop":
		if err := ctrl.Interrupt(); err != nil {
			fmt.Fprintf(errOut, "stop: %v\n", err)
		}

	case strings.HasPrefix(line, "/text "):
		if err := ctrl.SendText(strings.TrimSpace(strings.TrimPrefix(line, "/text "))); err != nil {
			fmt.Fprintf(errOut, "text: %v\n", err)
		}

	case strings.HasPrefix(line, "/image "):
		sendImage(ctrl, strings.TrimSpace(strings.TrimPrefix(line, "/image ")), out, errOut)

	case line == "/state":
		fmt.Fprintf(out, "state: %s\n", ctrl.State())

	case line == "/end", line == "/exit", line == "/quit":
		if err := ctrl.End(); err != nil {
			fmt.Fprintf(errOut, "end: %v\n", err)
		}

	case strings.HasPrefix(line, "/"):
		fmt.Fprintf(errOut, "unknown command %q\n", line)

	default:
		if err := ctrl.SendText(line); err != nil {
			fmt.Fprintf(errOut, "text: %v\n", err)
		}
	}
}

func sendImage(ctrl *client.Controller, path string, out, errOut io.Writer) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(errOut, "image: %v\n", err)
		return
	}
	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		fmt.Fprintf(errOut, "image: %s is not an image (%s)\n", path, mimeType)
		return
	}
	if err := ctrl.SendImage(data, mimeType); err != nil {
		fmt.Fprintf(errOut, "image: %v\n", err)
		return
	}
	fmt.Fprintf(out, "image sent (%s, %d bytes)\n", mimeType, len(data))
}

func printEvents(events <-chan client.Event, out io.Writer) {
	for ev := range events {
		switch e := ev.(type) {
		case client.StateChanged:
			fmt.Fprintf(out, "[%s]\n", e.To)
		case client.UserTranscript:
			fmt.Fprintf(out, "you: %s\n", e.Text)
		case client.AssistantText:
			fmt.Fprint(out, e.Delta)
		case client.TurnEnded:
			fmt.Fprintln(out)
		case client.Warning:
			fmt.Fprintf(out, "! %s: %s\n", e.Code, e.Message)
		case client.SessionEnded:
			if e.Reason != "" {
				fmt.Fprintf(out, "session ended (%s)\n", e.Reason)
			} else {
				fmt.Fprintln(out, "session ended")
			}
		case client.MicLevel:
			// Level readings are for richer frontends; the terminal stays quiet.
		}
	}
}

func main() {
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "voxwire: %v\n", err)
		os.Exit(1)
	}

	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxwire: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
	}()

	err = runClient(ctx, cfg, os.Stdin, os.Stdout, os.Stderr)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "voxwire: %v\n", err)
		os.Exit(1)
	}
}
