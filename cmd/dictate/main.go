// Command dictate streams a recording from a file or stdin to the medical
// transcription service and prints the transcript as it arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/eleven-am/dictation-backend/internal/audio"
	"github.com/eleven-am/dictation-backend/internal/capture"
	"github.com/eleven-am/dictation-backend/internal/credentials"
	"github.com/eleven-am/dictation-backend/internal/transcription"
	"github.com/joho/godotenv"
)

type options struct {
	input      string
	format     string
	sampleRate int
	realtime   bool
	wavOut     string
	envFile    string
	credsFile  string
	logLevel   string
	cfg        transcription.Config
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("dictate", flag.ContinueOnError)
	fs.StringVar(&opts.input, "input", "-", "audio file to stream, - for stdin")
	fs.StringVar(&opts.format, "format", "wav", "input format: wav, f32le or s16le")
	fs.IntVar(&opts.sampleRate, "rate", audio.SourceSampleRate, "sample rate of raw input")
	fs.BoolVar(&opts.realtime, "realtime", true, "pace input at its sample rate")
	fs.StringVar(&opts.wavOut, "wav-out", "", "write the resampled recording to this WAV file")
	fs.StringVar(&opts.envFile, "env", ".env", "dotenv file with AWS credentials")
	fs.StringVar(&opts.credsFile, "credentials-file", os.Getenv("AWS_CREDENTIALS_FILE"), "JSON file with temporary credentials, tried before the environment")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "debug, info, warn or error")
	fs.StringVar(&opts.cfg.Region, "region", os.Getenv("AWS_REGION"), "AWS region")
	fs.StringVar(&opts.cfg.Endpoint, "endpoint", "", "override the streaming endpoint host[:port]")
	fs.StringVar(&opts.cfg.LanguageCode, "language", transcription.DefaultLanguageCode, "language code")
	fs.StringVar(&opts.cfg.Specialty, "specialty", transcription.DefaultSpecialty, "medical specialty")
	fs.StringVar(&opts.cfg.Type, "type", transcription.DefaultType, "DICTATION or CONVERSATION")
	fs.DurationVar(&opts.cfg.DrainTimeout, "drain-timeout", transcription.DefaultDrainTimeout, "wait for trailing results after input ends")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.format != "wav" {
		if _, err := capture.ParseFormat(opts.format); err != nil {
			return options{}, err
		}
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "dictate:", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", opts.envFile, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(opts.logLevel),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in, err := openInput(opts.input)
	if err != nil {
		return err
	}
	defer in.Close()

	creds, err := newCredentials(opts.credsFile)
	if err != nil {
		return err
	}

	src, gate, err := newSource(in, opts)
	if err != nil {
		return err
	}
	rec := &recordingSource{ReaderSource: src, keep: opts.wavOut != ""}

	out := newPrinter(os.Stdout, os.Stderr)
	var failure error
	var failMu sync.Mutex
	onError := func(err error) {
		failMu.Lock()
		failure = err
		failMu.Unlock()
		logger.Error("transcription error", "error", err)
	}

	sess := transcription.New(opts.cfg, creds, transcription.NewWebSocketDialer(logger), logger)
	if err := stream(ctx, sess, rec, gate, opts.cfg.DrainTimeout, out.handle, onError, logger); err != nil {
		return err
	}

	if text := out.transcript(); text != "" {
		fmt.Fprintf(os.Stderr, "\n%s\n", text)
	}
	if opts.wavOut != "" {
		if err := os.WriteFile(opts.wavOut, audio.ExportWAV(rec.samples(), src.SampleRate()), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", opts.wavOut, err)
		}
	}

	failMu.Lock()
	defer failMu.Unlock()
	return failure
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func newCredentials(path string) (credentials.Provider, error) {
	holder := credentials.NewHolder()
	if path != "" {
		if err := holder.Load(path); err != nil {
			return nil, err
		}
	}
	return credentials.Chain{holder, credentials.NewEnvProvider()}, nil
}

// newSource reads the WAV header, if any, straight away and gates the audio
// that follows it.
func newSource(r io.Reader, opts options) (*capture.ReaderSource, *gatedReader, error) {
	ro := capture.ReaderOptions{
		SampleRate: opts.sampleRate,
		Realtime:   opts.realtime,
	}
	ro.Format = capture.Format(opts.format)
	if opts.format == "wav" {
		info, body, err := capture.ReadWAVHeader(r)
		if err != nil {
			return nil, nil, err
		}
		ro.Format = info.Format
		ro.SampleRate = info.SampleRate
		r = body
	}
	gate := newGatedReader(r)
	return capture.NewReaderSource(gate, ro), gate, nil
}

// recordingSource keeps a copy of every buffer for WAV export.
type recordingSource struct {
	*capture.ReaderSource
	keep bool

	mu   sync.Mutex
	recd []float32
}

func (s *recordingSource) Start(onBuffer func([]float32)) error {
	if !s.keep {
		return s.ReaderSource.Start(onBuffer)
	}
	return s.ReaderSource.Start(func(buf []float32) {
		s.mu.Lock()
		s.recd = append(s.recd, buf...)
		s.mu.Unlock()
		onBuffer(buf)
	})
}

func (s *recordingSource) samples() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recd
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
