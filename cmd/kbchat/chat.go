package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/zhengjr9/kb-chat-bff/internal/chat"
)

var (
	promptStyle = color.New(color.FgGreen, color.Bold)
	kbStyle     = color.New(color.FgCyan, color.Bold)
	thinkStyle  = color.New(color.Faint, color.Italic)
	infoStyle   = color.New(color.FgYellow)
	errorStyle  = color.New(color.FgRed, color.Bold)
	sourceStyle = color.New(color.FgBlue)
)

// renderer prints controller snapshots incrementally. Thinking and answer
// buffers only grow during a turn, except that the final answer may differ
// from the live one; then the whole answer is reprinted.
type renderer struct {
	out io.Writer

	phase    chat.Phase
	msgID    string
	thinking string
	answer   string
	errShown bool
}

func (r *renderer) reset() {
	r.phase = chat.PhaseIdle
	r.msgID = ""
	r.thinking = ""
	r.answer = ""
	r.errShown = false
}

func (r *renderer) render(s chat.Snapshot) {
	if s.Phase != r.phase {
		switch s.Phase {
		case chat.PhaseSearching:
			infoStyle.Fprintln(r.out, "searching the knowledge base...")
		case chat.PhaseWaiting:
			infoStyle.Fprintln(r.out, "still waiting for the model...")
		}
		r.phase = s.Phase
	}

	last, ok := s.Last()
	if !ok || last.Role != chat.RoleAssistant {
		return
	}
	if last.ID != r.msgID {
		r.msgID = last.ID
		r.thinking, r.answer, r.errShown = "", "", false
	}

	if last.IsError {
		if !r.errShown {
			if r.answer != "" || r.thinking != "" {
				fmt.Fprintln(r.out)
			}
			errorStyle.Fprintln(r.out, last.Content)
			r.errShown = true
		}
		return
	}

	if len(last.Thinking) > len(r.thinking) && strings.HasPrefix(last.Thinking, r.thinking) {
		if r.thinking == "" {
			thinkStyle.Fprint(r.out, "thinking: ")
		}
		thinkStyle.Fprint(r.out, last.Thinking[len(r.thinking):])
		r.thinking = last.Thinking
	}

	if last.Content == r.answer {
		return
	}
	switch {
	case r.answer == "":
		if r.thinking != "" {
			fmt.Fprint(r.out, "\n\n")
		}
		fmt.Fprint(r.out, last.Content)
	case strings.HasPrefix(last.Content, r.answer):
		fmt.Fprint(r.out, last.Content[len(r.answer):])
	default:
		fmt.Fprint(r.out, "\n")
		fmt.Fprint(r.out, last.Content)
	}
	r.answer = last.Content
}

func printSources(out io.Writer, s chat.Snapshot) {
	last, ok := s.Last()
	if !ok || last.Role != chat.RoleAssistant || len(last.Sources) == 0 {
		return
	}
	fmt.Fprintln(out, "\nSources:")
	for i, src := range last.Sources {
		label := src.Title
		if label == "" {
			label = src.DocumentID
		}
		if src.Score != 0 {
			label += fmt.Sprintf(" (score %.3f)", src.Score)
		}
		sourceStyle.Fprintf(out, "%d. %s\n", i+1, label)
	}
}

// turnGuard tracks whether a turn is running so Ctrl-C can cancel it
// instead of quitting.
type turnGuard struct {
	mu     sync.Mutex
	active *chat.Controller
}

func (g *turnGuard) set(c *chat.Controller) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = c
}

// interrupt cancels the running turn and reports whether there was one.
func (g *turnGuard) interrupt() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil {
		return false
	}
	g.active.Cancel()
	return true
}

func runChat(cmd *cobra.Command, args []string) error {
	kbID := args[0]
	grace, _ := cmd.Flags().GetDuration("search-grace")

	client := newRelay()
	pipeline, err := newPipeline(client)
	if err != nil {
		return err
	}
	kbLookup := lookup(client)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	info, err := kbLookup.Get(ctx, kbID)
	if err != nil {
		return fmt.Errorf("open knowledge base %s: %w", kbID, err)
	}

	out := cmd.OutOrStdout()
	r := &renderer{out: out}
	ctrl := chat.NewController(pipeline,
		chat.WithKnowledgeBase(kbID),
		chat.WithParams(paramsStore()),
		chat.WithGracePeriod(grace),
		chat.WithListener(r.render),
	)

	guard := &turnGuard{}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if guard.interrupt() {
				continue
			}
			fmt.Fprintln(out, "\nbye")
			os.Exit(0)
		}
	}()

	fmt.Fprintf(out, "Chatting with %s", kbStyle.Sprint(info.Name))
	if info.DocumentCount > 0 {
		fmt.Fprintf(out, " (%d documents)", info.DocumentCount)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Type your question and press Enter. Ctrl+C stops an answer; 'exit' or Ctrl+C at the prompt quits.")
	fmt.Fprintln(out)

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		promptStyle.Fprint(out, "You: ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		r.reset()
		guard.set(ctrl)
		start := time.Now()
		err := ctrl.Submit(ctx, input)
		guard.set(nil)

		switch {
		case err == nil:
			fmt.Fprintln(out)
			printSources(out, ctrl.Snapshot())
			infoStyle.Fprintf(out, "(%.1fs)\n\n", time.Since(start).Seconds())
		case chat.IsCanceled(err):
			infoStyle.Fprintln(out, "\n(stopped)")
			fmt.Fprintln(out)
		default:
			// The apology is already on screen.
			fmt.Fprintln(out)
		}
	}
}

func runAsk(cmd *cobra.Command, args []string) error {
	kbID := args[0]
	question := strings.Join(args[1:], " ")

	pipeline, err := newPipeline(newRelay())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	r := &renderer{out: out}
	ctrl := chat.NewController(pipeline,
		chat.WithKnowledgeBase(kbID),
		chat.WithParams(paramsStore()),
		chat.WithListener(r.render),
	)
	if err := ctrl.Submit(ctx, question); err != nil {
		return err
	}
	fmt.Fprintln(out)
	printSources(out, ctrl.Snapshot())
	return nil
}
