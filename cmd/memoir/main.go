// Command memoir runs the five-question memoir interview in a terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashureev/memoir-cowriter/internal/config"
	"github.com/ashureev/memoir-cowriter/internal/memoir"
	"github.com/ashureev/memoir-cowriter/internal/rewrite"
)

// doneCommand compiles the memoir before all questions are answered.
const doneCommand = ":done"

type args struct {
	Out          string        `arg:"-o,--out" default:"my_memoir.txt" help:"file the compiled memoir is written to"`
	CompileEarly bool          `arg:"--compile-early" help:"accept :done to compile before all questions are answered"`
	Model        string        `arg:"--model,env:LLM_MODEL" help:"override the rewrite model"`
	Timeout      time.Duration `arg:"--timeout" help:"override the per-answer rewrite timeout"`
	Verbose      bool          `arg:"-v,--verbose" help:"log rewrite diagnostics to stderr"`
}

func (args) Description() string {
	return "Answer five questions about your life; each answer is rewritten as memoir prose.\n" +
		"With --compile-early, type " + doneCommand + " on its own line to stop and compile."
}

func main() {
	var a args
	arg.MustParse(&a)

	level := slog.LevelWarn
	if a.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}
	if a.Model != "" {
		cfg.LLM.Model = a.Model
	}
	if a.Timeout > 0 {
		cfg.LLM.Timeout = a.Timeout
	}

	polisher := rewrite.NewPolisher(cfg.LLM.BaseURL, cfg.LLM.APIKey, rewrite.Config{
		Model:          cfg.LLM.Model,
		Temperature:    float32(cfg.LLM.Temperature),
		MaxTokens:      cfg.LLM.MaxTokens,
		Timeout:        cfg.LLM.Timeout,
		MaxRetries:     cfg.LLM.MaxRetries,
		FallbackPrefix: cfg.LLM.FallbackPrefix,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	logger.Debug("Interview started", "run_id", runID, "model", cfg.LLM.Model)

	s, err := interview(ctx, memoir.NewMachine(polisher), os.Stdin, os.Stdout, a.CompileEarly)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "interview failed:", err)
		os.Exit(1)
	}
	if !s.Compiled() {
		fmt.Fprintln(os.Stdout, "\nInterview interrupted, nothing written.")
		return
	}

	if err := os.WriteFile(a.Out, []byte(s.Document()), 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "failed to write memoir:", err)
		os.Exit(1)
	}
	logger.Debug("Interview finished", "run_id", runID, "parts", len(s.Rewritten))
	fmt.Fprintf(os.Stdout, "\nYour memoir was saved to %s\n", a.Out)
}

// interview drives one session from in to out until it is compiled, the
// input ends, or ctx is canceled. End of input compiles what was written.
// With early set, a doneCommand line compiles immediately.
// maxAnswerBytes caps a single answer line.
const maxAnswerBytes = 1 << 20

func interview(ctx context.Context, m *memoir.Machine, in io.Reader, out io.Writer, early bool) (memoir.Session, error) {
	s, question := m.Ask(memoir.NewSession())
	lines := bufio.NewScanner(in)
	lines.Buffer(make([]byte, 0, 64*1024), maxAnswerBytes)

	for !s.Compiled() {
		if err := ctx.Err(); err != nil {
			return s, err
		}

		fmt.Fprintf(out, "\nQuestion %d of %d: %s\n> ", s.Step+1, memoir.QuestionCount, question)
		answer, ok := readAnswer(lines)
		if !ok {
			if err := lines.Err(); err != nil {
				return s, fmt.Errorf("read answer: %w", err)
			}
			if !early {
				fmt.Fprintln(out)
				return s, nil
			}
			s = m.Compile(s)
			break
		}

		if strings.TrimSpace(answer) == doneCommand {
			if early {
				s = m.Compile(s)
				break
			}
			fmt.Fprintln(out, "Run with --compile-early to stop before the last question.")
			continue
		}
		if strings.TrimSpace(answer) == "" {
			continue
		}

		next, decision, err := m.Cycle(ctx, s, answer)
		if err != nil {
			return s, err
		}
		s = next
		fmt.Fprintf(out, "\nPart %d: %s\n", len(s.Rewritten), s.Rewritten[len(s.Rewritten)-1])
		if decision == memoir.DecisionContinue {
			question = s.Question()
		}
	}

	fmt.Fprintf(out, "\n%s\n\nYour Memoir\n\n%s\n", memoir.ClosingMessage, s.Document())
	return s, nil
}

// readAnswer reads one line. Answers are single lines in the terminal.
func readAnswer(lines *bufio.Scanner) (string, bool) {
	if !lines.Scan() {
		return "", false
	}
	return lines.Text(), true
}
